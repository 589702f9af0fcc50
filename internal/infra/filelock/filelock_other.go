//go:build !unix

package filelock

import "os"

// Advisory locking is unavailable on this platform; only in-process
// exclusion through the Lock handle is enforced.
func lockFile(_ *os.File) error { return nil }

func unlockFile(_ *os.File) error { return nil }
