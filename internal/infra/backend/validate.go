package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/vietddude/genrelay/internal/core/domain"
)

// DefaultMaxInputBytes is the largest input image accepted by the cloud.
const DefaultMaxInputBytes = 10 << 20

var imageMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
}

// SupportedImageExtensions lists the accepted input extensions.
func SupportedImageExtensions() []string {
	exts := make([]string, 0, len(imageMIME))
	for ext := range imageMIME {
		exts = append(exts, ext)
	}
	slices.Sort(exts)
	return exts
}

// ValidateInput checks that path is a readable, supported image no larger
// than maxBytes. It returns the MIME type. Failures are Permanent.
func ValidateInput(id domain.BackendID, path string, maxBytes int64) (string, error) {
	if path == "" {
		return "", domain.NewBackendError(id, domain.KindPermanent, "input asset is required", nil)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", domain.NewBackendError(id, domain.KindPermanent, "input asset not readable", err)
	}
	if !info.Mode().IsRegular() {
		return "", domain.NewBackendError(id, domain.KindPermanent, fmt.Sprintf("input asset %s is not a regular file", path), nil)
	}

	ext := strings.ToLower(filepath.Ext(path))
	mime, ok := imageMIME[ext]
	if !ok {
		return "", domain.NewBackendError(id, domain.KindPermanent,
			fmt.Sprintf("unsupported input format %q, supported: %s", ext, strings.Join(SupportedImageExtensions(), ", ")), nil)
	}

	if maxBytes <= 0 {
		maxBytes = DefaultMaxInputBytes
	}
	if info.Size() > maxBytes {
		return "", domain.NewBackendError(id, domain.KindPermanent,
			fmt.Sprintf("input asset is %.1f MB, limit is %.1f MB", float64(info.Size())/(1<<20), float64(maxBytes)/(1<<20)), nil)
	}
	return mime, nil
}
