package coproc

import (
	"os"
	"time"

	yaml "github.com/goccy/go-yaml"
)

// Config carries scheduler tuning knobs. The zero value is replaced
// by defaults field by field, so a partially filled config is fine.
type Config struct {
	// PollEverySwitches forces a non-blocking reactor poll after this
	// many task switches, so I/O keeps progressing under CPU-bound
	// task churn.
	PollEverySwitches int `yaml:"poll_every_switches"` // 128 by default

	// MaxEvents caps how many reactor events one poll iteration
	// collects.
	MaxEvents int `yaml:"max_events"` // 128 by default

	// IdleGCPeriod triggers a GC cycle when the scheduler has been
	// about to block and this much time passed since the previous
	// idle GC. Zero disables idle GC.
	IdleGCPeriod time.Duration `yaml:"idle_gc_period"`
}

func defaultConfig() Config {
	return Config{
		PollEverySwitches: 128,
		MaxEvents:         128,
	}
}

// LoadConfig reads YAML and overrides defaults; empty or unreadable
// path yields defaults only.
func LoadConfig(path string) Config {
	cfg := defaultConfig()

	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	_ = yaml.Unmarshal(data, &cfg)

	return cfg.sanitize()
}

// sanitize clamps out-of-range values back to defaults.
func (c Config) sanitize() Config {
	def := defaultConfig()
	if c.PollEverySwitches <= 0 {
		c.PollEverySwitches = def.PollEverySwitches
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = def.MaxEvents
	}
	if c.IdleGCPeriod < 0 {
		c.IdleGCPeriod = 0
	}
	return c
}
