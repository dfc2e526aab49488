// Package config reads the seed job catalog that a fresh deployment starts with.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/0xPuncker/fleetcron/internal/store"
	"github.com/0xPuncker/fleetcron/pkg/types"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const DefaultSeedPath = "config/jobs.yaml"

type Job struct {
	Title     string         `yaml:"title"`
	Type      string         `yaml:"type"`
	Rule      string         `yaml:"rule"`
	Target    string         `yaml:"target"`
	Parameter map[string]any `yaml:"parameter"`
	Remark    string         `yaml:"remark"`
	Sort      int            `yaml:"sort"`
	Enabled   *bool          `yaml:"enabled"`
	Singleton bool           `yaml:"singleton"`
}

type Seed struct {
	Jobs []Job `yaml:"jobs"`
}

func LoadSeed(seedPath string) (*Seed, error) {
	if seedPath == "" {
		seedPath = DefaultSeedPath
	}

	absPath, err := filepath.Abs(seedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	return &seed, nil
}

func (s *Seed) GetJobByTitle(title string) *Job {
	for i := range s.Jobs {
		if s.Jobs[i].Title == title {
			return &s.Jobs[i]
		}
	}
	return nil
}

// ToPatch converts a seed entry into a create payload. Type defaults to
// command and entries are enabled unless they say otherwise.
func (j *Job) ToPatch() (*types.JobPatch, error) {
	variant := types.VariantCommand
	if j.Type != "" {
		v, err := types.ParseVariant(j.Type)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", j.Title, err)
		}
		variant = v
	}

	status := types.StatusEnabled
	if j.Enabled != nil && !*j.Enabled {
		status = types.StatusDisabled
	}

	patch := &types.JobPatch{
		Title:     &j.Title,
		Type:      &variant,
		Rule:      &j.Rule,
		Target:    &j.Target,
		Remark:    &j.Remark,
		Sort:      &j.Sort,
		Status:    &status,
		Singleton: &j.Singleton,
	}

	if len(j.Parameter) > 0 {
		raw, err := json.Marshal(j.Parameter)
		if err != nil {
			return nil, fmt.Errorf("job %q: parameter: %w", j.Title, err)
		}
		parameter := string(raw)
		patch.Parameter = &parameter
	}
	return patch, nil
}

type Finder interface {
	FindByTitleRule(ctx context.Context, title, rule string) (*types.JobDefinition, error)
}

type Creator interface {
	Create(ctx context.Context, patch *types.JobPatch) (*types.JobDefinition, error)
}

// Apply creates every seed job whose title and rule are not stored yet and
// returns how many were created. Existing rows are never touched.
func (s *Seed) Apply(ctx context.Context, finder Finder, creator Creator, logger *logrus.Logger) (int, error) {
	var (
		created int
		errs    []error
	)

	for i := range s.Jobs {
		job := &s.Jobs[i]

		_, err := finder.FindByTitleRule(ctx, job.Title, job.Rule)
		if err == nil {
			logger.WithField("title", job.Title).Debug("Seed job already stored")
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			errs = append(errs, fmt.Errorf("job %q: %w", job.Title, err))
			continue
		}

		patch, err := job.ToPatch()
		if err != nil {
			errs = append(errs, err)
			continue
		}

		def, err := creator.Create(ctx, patch)
		if def == nil {
			errs = append(errs, fmt.Errorf("job %q: %w", job.Title, err))
			continue
		}
		created++
		if err != nil {
			errs = append(errs, fmt.Errorf("job %q: %w", job.Title, err))
		}

		logger.WithFields(logrus.Fields{
			"job_id": def.ID,
			"title":  def.Title,
			"rule":   def.Rule,
		}).Info("Seeded job")
	}

	return created, errors.Join(errs...)
}
