package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"cachewise/internal/netstate"
	"cachewise/internal/policy"
)

// File is the YAML configuration read by the command line tool.
type File struct {
	Cache struct {
		Dir           string `yaml:"dir"`
		Backend       string `yaml:"backend"`
		Max           string `yaml:"max"`
		Memory        string `yaml:"memory"`
		Survival      string `yaml:"survival"`
		Type          string `yaml:"type"`
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"cache"`

	Timeouts struct {
		Connect string `yaml:"connect"`
		Read    string `yaml:"read"`
		Write   string `yaml:"write"`
	} `yaml:"timeouts"`

	RetryOnConnectionFailure *bool `yaml:"retryOnConnectionFailure"`
	ShowHTTPLog              *bool `yaml:"showHttpLog"`

	Network struct {
		Probe        string `yaml:"probe"`
		ProbeTimeout string `yaml:"probeTimeout"`
		ProbeEvery   string `yaml:"probeEvery"`
	} `yaml:"network"`

	// compiled
	opts []Option
}

func LoadFile(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return ParseFile(b)
}

func ParseFile(b []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return File{}, err
	}
	if err := f.compile(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Options returns the settings the file sets, leaving the rest untouched.
func (f File) Options() []Option {
	out := make([]Option, len(f.opts))
	copy(out, f.opts)
	return out
}

func (f *File) compile() error {
	add := func(o Option) { f.opts = append(f.opts, o) }

	if f.Cache.Dir != "" {
		add(WithCacheDir(f.Cache.Dir))
	}
	if f.Cache.Backend != "" {
		add(WithCacheBackend(f.Cache.Backend))
	}
	if f.Cache.Max != "" {
		n, err := parseBytes(f.Cache.Max)
		if err != nil {
			return fmt.Errorf("cache.max: %w", err)
		}
		add(WithMaxCacheSize(n))
	}
	if f.Cache.Memory != "" {
		n, err := parseBytes(f.Cache.Memory)
		if err != nil {
			return fmt.Errorf("cache.memory: %w", err)
		}
		add(WithMemoryCacheSize(n))
	}
	if f.Cache.Survival != "" {
		d, err := time.ParseDuration(f.Cache.Survival)
		if err != nil {
			return fmt.Errorf("cache.survival: %w", err)
		}
		add(WithCacheSurvival(d))
	}
	if f.Cache.Type != "" {
		t, err := policy.ParseType(f.Cache.Type)
		if err != nil {
			return fmt.Errorf("cache.type: %w", err)
		}
		add(WithCacheType(t))
	}
	if f.Cache.Level != "" {
		l, err := policy.ParseLevel(f.Cache.Level)
		if err != nil {
			return fmt.Errorf("cache.level: %w", err)
		}
		add(WithCacheLevel(l))
	}
	if f.Cache.LogStatsEvery != "" {
		d, err := time.ParseDuration(f.Cache.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("cache.logStatsEvery: %w", err)
		}
		add(WithStatsInterval(d))
	}

	timeouts := []struct {
		name string
		val  string
		opt  func(time.Duration) Option
	}{
		{"timeouts.connect", f.Timeouts.Connect, WithConnectTimeout},
		{"timeouts.read", f.Timeouts.Read, WithReadTimeout},
		{"timeouts.write", f.Timeouts.Write, WithWriteTimeout},
	}
	for _, t := range timeouts {
		if t.val == "" {
			continue
		}
		d, err := time.ParseDuration(t.val)
		if err != nil {
			return fmt.Errorf("%s: %w", t.name, err)
		}
		add(t.opt(d))
	}

	if f.RetryOnConnectionFailure != nil {
		add(WithRetryOnConnectionFailure(*f.RetryOnConnectionFailure))
	}
	if f.ShowHTTPLog != nil {
		add(WithHTTPLog(*f.ShowHTTPLog))
	}

	if f.Network.Probe != "" {
		var timeout, every time.Duration
		var err error
		if f.Network.ProbeTimeout != "" {
			if timeout, err = time.ParseDuration(f.Network.ProbeTimeout); err != nil {
				return fmt.Errorf("network.probeTimeout: %w", err)
			}
		}
		if f.Network.ProbeEvery != "" {
			if every, err = time.ParseDuration(f.Network.ProbeEvery); err != nil {
				return fmt.Errorf("network.probeEvery: %w", err)
			}
		}
		add(WithReachability(netstate.NewProbe(f.Network.Probe, timeout, every)))
	}
	return nil
}
