// package config holds the sweeper's configuration and its defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/99designs/aws-ami-sweeper/gc"
	"github.com/99designs/aws-ami-sweeper/model"
)

// Environment variables read by ApplyEnv.
const (
	EnvRegion        = "AWS_REGION"
	EnvDefaultRegion = "AWS_DEFAULT_REGION"
	EnvRunLocally    = "RUN_LOCALLY"
)

// LocalTags is the fixed filter used when RUN_LOCALLY is set.
var LocalTags = model.Tags{{Name: "deleteme", Value: "true"}}

// Config is the complete configuration of one deployment. Schedule, Timeout
// and Retries belong to the invoking shell; the rest shape each sweep.
type Config struct {
	ImageTags        model.Tags `yaml:"imageTags"`
	Region           string     `yaml:"region"`
	Endpoint         string     `yaml:"endpoint"`
	DryRun           bool       `yaml:"dryRun"`
	Verbose          bool       `yaml:"verbose"`
	DeleteFirst      bool       `yaml:"deleteFirst"`
	Concurrency      int        `yaml:"concurrency"`
	TieBreak         string     `yaml:"tieBreak"`
	FailOnSoftErrors bool       `yaml:"failOnSoftErrors"`

	Schedule    string        `yaml:"schedule"`
	Timeout     time.Duration `yaml:"timeout"`
	Retries     int           `yaml:"retries"`
	MetricsAddr string        `yaml:"metricsAddr"`
}

// Default returns the configuration used when nothing overrides it:
// tag ami-sweeper=true, a weekly schedule, a one minute timeout and two
// retries, sequential processing and the newest image always kept.
func Default() Config {
	return Config{
		ImageTags:   model.Tags{{Name: "ami-sweeper", Value: "true"}},
		Concurrency: 1,
		TieBreak:    string(model.TieBreakFetchOrder),
		Schedule:    "@weekly",
		Timeout:     time.Minute,
		Retries:     2,
	}
}

// Load reads a YAML file over Default. An empty path returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv fills the region from the environment when the file left it empty.
func (c *Config) ApplyEnv() {
	if c.Region != "" {
		return
	}
	if r := os.Getenv(EnvRegion); r != "" {
		c.Region = r
	} else {
		c.Region = os.Getenv(EnvDefaultRegion)
	}
}

// Validate checks the configuration before anything is queried.
func (c Config) Validate() error {
	if err := c.ImageTags.Validate(); err != nil {
		return err
	}
	if c.Concurrency < 0 {
		return errors.New("concurrency must not be negative")
	}
	if c.Retries < 0 {
		return errors.New("retries must not be negative")
	}
	if c.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	if _, err := model.ParseTieBreak(c.TieBreak); err != nil {
		return err
	}
	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", c.Schedule, err)
		}
	}
	return nil
}

// Params returns the per-sweep options. Call Validate first.
func (c Config) Params() gc.Params {
	tieBreak, _ := model.ParseTieBreak(c.TieBreak)
	return gc.Params{
		DryRun:      c.DryRun,
		Verbose:     c.Verbose,
		DeleteFirst: c.DeleteFirst,
		Concurrency: c.Concurrency,
		TieBreak:    tieBreak,
	}
}

// RunLocally reports whether RUN_LOCALLY is set to true.
func RunLocally() bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvRunLocally)))
	return err == nil && v
}

// Local returns c adjusted for a developer run: the fixed LocalTags filter in
// dry-run and verbose mode.
func (c Config) Local() Config {
	c.ImageTags = LocalTags
	c.DryRun = true
	c.Verbose = true
	return c
}
