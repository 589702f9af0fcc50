package domain

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Params are the generation parameters of a job. The core never interprets
// them beyond capability clamping on failover.
type Params struct {
	Prompt          string            `json:"prompt"            yaml:"prompt"`
	DurationSeconds int               `json:"duration_seconds"  yaml:"duration_seconds"`
	Resolution      string            `json:"resolution,omitempty"   yaml:"resolution"`
	AspectRatio     string            `json:"aspect_ratio,omitempty" yaml:"aspect_ratio"`
	Extra           map[string]string `json:"extra,omitempty"   yaml:"extra"`
}

// GenerationJob is an immutable unit of work.
type GenerationJob struct {
	ID         string     `json:"id"`
	InputAsset string     `json:"input_asset"`
	Params     Params     `json:"params"`
	Preference Preference `json:"preference"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewJob creates a job with a fresh ID.
func NewJob(inputAsset string, params Params, pref Preference) *GenerationJob {
	return &GenerationJob{
		ID:         uuid.New().String(),
		InputAsset: inputAsset,
		Params:     params.clone(),
		Preference: pref,
		CreatedAt:  time.Now().UTC(),
	}
}

// WithParams returns a copy of the job carrying different params.
func (j GenerationJob) WithParams(p Params) *GenerationJob {
	j.Params = p.clone()
	return &j
}

// SameWork reports whether two jobs describe the same request, ignoring IDs
// and creation time.
func (j GenerationJob) SameWork(other GenerationJob) bool {
	return j.InputAsset == other.InputAsset &&
		j.Preference == other.Preference &&
		j.Params.Prompt == other.Params.Prompt &&
		j.Params.DurationSeconds == other.Params.DurationSeconds &&
		j.Params.Resolution == other.Params.Resolution &&
		j.Params.AspectRatio == other.Params.AspectRatio &&
		maps.Equal(j.Params.Extra, other.Params.Extra)
}

func (p Params) clone() Params {
	p.Extra = maps.Clone(p.Extra)
	return p
}

// Capabilities describe what a backend can produce.
type Capabilities struct {
	MaxDurationSeconds int      `json:"max_duration_seconds" yaml:"max_duration_seconds"`
	Resolutions        []string `json:"resolutions"          yaml:"resolutions"`
}

// AdaptTo clamps params to c. Zero-valued capability fields impose no limit.
func (p Params) AdaptTo(c Capabilities) Params {
	out := p.clone()
	if c.MaxDurationSeconds > 0 && out.DurationSeconds > c.MaxDurationSeconds {
		out.DurationSeconds = c.MaxDurationSeconds
	}
	if len(c.Resolutions) > 0 && !slices.Contains(c.Resolutions, out.Resolution) {
		out.Resolution = c.Resolutions[0]
	}
	return out
}

// Result is a successful attempt.
type Result struct {
	JobID    string        `json:"job_id"`
	Backend  BackendID     `json:"backend"`
	Artifact string        `json:"artifact"`
	Latency  time.Duration `json:"latency"`
}
