package coproc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	r := require.New(t)

	cfg := LoadConfig("")
	r.Equal(128, cfg.PollEverySwitches)
	r.Equal(128, cfg.MaxEvents)
	r.Zero(cfg.IdleGCPeriod)
}

func TestConfigMissingFile(t *testing.T) {
	r := require.New(t)

	cfg := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	r.Equal(defaultConfig(), cfg)
}

func TestConfigLoad(t *testing.T) {
	r := require.New(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	r.NoError(os.WriteFile(path, []byte(
		"poll_every_switches: 7\nmax_events: 32\nidle_gc_period: 250ms\n",
	), 0o644))

	cfg := LoadConfig(path)
	r.Equal(7, cfg.PollEverySwitches)
	r.Equal(32, cfg.MaxEvents)
	r.Equal(250*time.Millisecond, cfg.IdleGCPeriod)
}

func TestConfigClamps(t *testing.T) {
	r := require.New(t)

	cfg := Config{PollEverySwitches: -1, MaxEvents: 0, IdleGCPeriod: -time.Second}.sanitize()
	r.Equal(128, cfg.PollEverySwitches)
	r.Equal(128, cfg.MaxEvents)
	r.Zero(cfg.IdleGCPeriod)
}
