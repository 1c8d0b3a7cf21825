package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PipelineFile is the declarative pipeline configuration loaded from YAML
type PipelineFile struct {
	Jobs     map[string]JobSpec `yaml:"jobs"`
	Holidays []HolidaySpec      `yaml:"holidays"`
}

// JobSpec overrides the built-in schedule and retry policy of a job
type JobSpec struct {
	Every      string `yaml:"every"`   // interval, e.g. "5m"
	At         string `yaml:"at"`      // time of day "HH:MM" in exchange time
	Weekday    string `yaml:"weekday"` // optional, e.g. "sunday"
	Retries    *int   `yaml:"retries"`
	RetryDelay string `yaml:"retry_delay"`
	LockTTL    string `yaml:"lock_ttl"`
	Disabled   bool   `yaml:"disabled"`
}

// HolidaySpec is one calendar entry in the seed list
type HolidaySpec struct {
	Date      string `yaml:"date"` // YYYY-MM-DD
	Name      string `yaml:"name"`
	Exchange  string `yaml:"exchange"`
	IsHoliday *bool  `yaml:"is_holiday"`
	Open      string `yaml:"open"`
	Close     string `yaml:"close"`
}

// LoadPipelineFile reads the pipeline file. A missing file yields an empty
// configuration so built-in defaults apply.
func LoadPipelineFile(path string) (*PipelineFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("Pipeline file %s not found, using built-in schedules", path)
			return &PipelineFile{}, nil
		}
		return nil, err
	}

	var pf PipelineFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline file %s: %w", path, err)
	}

	for name, spec := range pf.Jobs {
		if err := spec.validate(); err != nil {
			return nil, fmt.Errorf("job %s: %w", name, err)
		}
	}
	for i, h := range pf.Holidays {
		if _, err := time.Parse("2006-01-02", h.Date); err != nil {
			return nil, fmt.Errorf("holiday #%d: invalid date %q", i+1, h.Date)
		}
	}

	return &pf, nil
}

func (s JobSpec) validate() error {
	if s.Every != "" && s.At != "" {
		return errors.New("every and at are mutually exclusive")
	}
	for _, d := range []string{s.Every, s.RetryDelay, s.LockTTL} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid duration %q", d)
		}
	}
	if s.At != "" {
		if _, err := time.Parse("15:04", s.At); err != nil {
			return fmt.Errorf("invalid time of day %q", s.At)
		}
	}
	if s.Retries != nil && *s.Retries < 0 {
		return errors.New("retries must not be negative")
	}
	return nil
}

// Duration parses an optional duration field, returning fallback when empty
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
