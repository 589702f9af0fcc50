package budget

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// StateVersion is the schema version written to the quota state file.
const StateVersion = 1

// State is the persisted quota ledger shared by every process.
type State struct {
	Version  int                      `json:"version"`
	Backends map[string]*BackendState `json:"backends"`
}

// BackendState holds the named windows of one backend.
type BackendState struct {
	Windows map[string]*WindowState `json:"windows"`
}

// WindowState is one sliding window: its shape and the calls inside it.
type WindowState struct {
	Window Duration    `json:"window"`
	Limit  int         `json:"limit"`
	Calls  []time.Time `json:"calls"`
}

// NewState returns an empty ledger.
func NewState() *State {
	return &State{Version: StateVersion, Backends: make(map[string]*BackendState)}
}

// window returns the named window of backend, creating it with the given shape.
// The shape always follows the caller's configuration.
func (s *State) window(backend string, wc WindowConfig) *WindowState {
	if s.Backends == nil {
		s.Backends = make(map[string]*BackendState)
	}
	bs, ok := s.Backends[backend]
	if !ok || bs == nil {
		bs = &BackendState{}
		s.Backends[backend] = bs
	}
	if bs.Windows == nil {
		bs.Windows = make(map[string]*WindowState)
	}
	ws, ok := bs.Windows[wc.Name]
	if !ok || ws == nil {
		ws = &WindowState{}
		bs.Windows[wc.Name] = ws
	}
	ws.Window = Duration(wc.Window)
	ws.Limit = wc.Limit
	return ws
}

// prune clamps future timestamps to now, drops calls that have left the
// window and keeps the remainder sorted. It reports whether anything changed.
func (w *WindowState) prune(now time.Time) bool {
	changed := false
	window := time.Duration(w.Window)
	kept := w.Calls[:0]
	for _, ts := range w.Calls {
		if ts.After(now) {
			ts = now
			changed = true
		}
		if now.Sub(ts) < window {
			kept = append(kept, ts)
		} else {
			changed = true
		}
	}
	w.Calls = kept
	if !slices.IsSortedFunc(w.Calls, time.Time.Compare) {
		slices.SortFunc(w.Calls, time.Time.Compare)
		changed = true
	}
	return changed
}

// wait returns how long until one more call fits. Calls must be pruned.
func (w *WindowState) wait(now time.Time) time.Duration {
	if w.Limit <= 0 || len(w.Calls) < w.Limit {
		return 0
	}
	// the call that has to leave before the next one fits
	oldest := w.Calls[len(w.Calls)-w.Limit]
	d := time.Duration(w.Window) - now.Sub(oldest)
	if d < 0 {
		return 0
	}
	return d
}

// Duration is a time.Duration encoded as a Go duration string in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// plain nanoseconds are accepted too
		var n int64
		if nerr := json.Unmarshal(b, &n); nerr != nil {
			return fmt.Errorf("invalid duration %s", string(b))
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}
