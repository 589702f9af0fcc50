package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/vietddude/genrelay/internal/core/domain"
)

// jobFlags describes a job on the command line.
type jobFlags struct {
	inputs      []string
	prompt      string
	duration    int
	resolution  string
	aspectRatio string
	backend     string
	extra       map[string]string
}

func (f *jobFlags) bind(cmd *cobra.Command, multi bool) {
	usage := "input image"
	if multi {
		usage += " (repeat for a batch)"
	}
	cmd.Flags().StringSliceVarP(&f.inputs, "input", "i", nil, usage)
	cmd.Flags().StringVarP(&f.prompt, "prompt", "p", "", "generation prompt")
	cmd.Flags().IntVar(&f.duration, "duration", 8, "video duration in seconds")
	cmd.Flags().StringVar(&f.resolution, "resolution", "", "output resolution, e.g. 720p")
	cmd.Flags().StringVar(&f.aspectRatio, "aspect-ratio", "", "output aspect ratio, e.g. 16:9")
	cmd.Flags().StringVarP(&f.backend, "backend", "b", "", "auto, cloud or local (default from config)")
	cmd.Flags().StringToStringVar(&f.extra, "param", nil, "extra backend parameter key=value")
	_ = cmd.MarkFlagRequired("input")
}

func (f *jobFlags) jobs(def domain.Preference) ([]*domain.GenerationJob, error) {
	if len(f.inputs) == 0 {
		return nil, errors.New("at least one --input is required")
	}
	pref := def
	if f.backend != "" {
		p, err := domain.ParsePreference(f.backend)
		if err != nil {
			return nil, err
		}
		pref = p
	}

	params := domain.Params{
		Prompt:          f.prompt,
		DurationSeconds: f.duration,
		Resolution:      f.resolution,
		AspectRatio:     f.aspectRatio,
		Extra:           f.extra,
	}
	jobs := make([]*domain.GenerationJob, 0, len(f.inputs))
	for _, in := range f.inputs {
		jobs = append(jobs, domain.NewJob(in, params, pref))
	}
	return jobs, nil
}
