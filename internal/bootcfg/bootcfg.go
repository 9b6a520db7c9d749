// Package bootcfg loads the machine's boot-time tunables from a YAML
// document: memory sizing, clock rate, and the per-process resource
// ceilings. Absent fields keep their defaults, so an empty document is a
// valid configuration.
package bootcfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/biscuit-kernel/sv39kernel/internal/limits"
	"github.com/biscuit-kernel/sv39kernel/internal/timer"
)

/// Limits mirrors the per-process ceilings of limits.Syslimit_t and its
/// system-wide pipe budget.
type Limits struct {
	Fds     int `yaml:"fds"`
	Threads int `yaml:"threads"`
	Locks   int `yaml:"locks"`
	Pipes   int `yaml:"pipes"`
}

/// Config is the boot configuration document.
type Config struct {
	// MemPages sizes the frame allocator's pool (4 KiB pages).
	MemPages int `yaml:"mem_pages"`
	// DMAPages sizes the separate DMA pool used by device rings.
	DMAPages int `yaml:"dma_pages"`
	// ClockFreq is the monotonic counter rate in ticks per second.
	ClockFreq uint64 `yaml:"clock_freq"`

	Limits Limits `yaml:"limits"`
}

/// Default returns the configuration used when no document is supplied.
func Default() *Config {
	l := limits.MkSysLimit()
	return &Config{
		MemPages:  16384, // 64 MiB
		DMAPages:  256,
		ClockFreq: timer.DefaultClockFreq,
		Limits: Limits{
			Fds:     l.Fds,
			Threads: l.Threads,
			Locks:   l.Locks,
			Pipes:   int(l.Pipes),
		},
	}
}

/// Parse overlays a YAML document onto the defaults.
func Parse(doc []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(doc, c); err != nil {
		return nil, fmt.Errorf("boot config: %w", err)
	}
	if c.MemPages <= 0 || c.DMAPages < 0 || c.ClockFreq == 0 {
		return nil, fmt.Errorf("boot config: bad sizing (mem_pages=%v dma_pages=%v clock_freq=%v)",
			c.MemPages, c.DMAPages, c.ClockFreq)
	}
	return c, nil
}

/// Load reads and parses path.
func Load(path string) (*Config, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(doc)
}

/// Apply installs the configuration into the live kernel singletons. It
/// must run before the first process is created.
func (c *Config) Apply() {
	timer.ClockFreq = c.ClockFreq
	limits.Syslimit.Fds = c.Limits.Fds
	limits.Syslimit.Threads = c.Limits.Threads
	limits.Syslimit.Locks = c.Limits.Locks
	limits.Syslimit.Pipes = limits.Sysatomic_t(c.Limits.Pipes)
}
