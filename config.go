package bussun

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config holds the loader settings. The zero value of each collaborator is
// replaced by a default when the config is used.
type Config struct {
	HeapBase uint32
	HeapSize uint32
	// Strict rejects unknown format versions and unknown opcodes instead of
	// reporting them and carrying on.
	Strict bool

	Logger   *zap.Logger
	Reporter Reporter
	Cache    CacheSynchronizer
}

func NewConfig() *Config {
	return &Config{
		HeapBase: DefaultHeapBase,
		HeapSize: DefaultHeapSize,
	}
}

// DeepCopy returns a copy sharing the same collaborators.
func (c *Config) DeepCopy() *Config {
	cp := *c
	return &cp
}

// Validate checks every field and returns all problems at once.
func (c *Config) Validate() error {
	var err error
	if c.HeapSize == 0 {
		err = multierr.Append(err, fmt.Errorf("heap size must not be zero"))
	}
	if c.HeapBase%CacheLineSize != 0 {
		err = multierr.Append(err, fmt.Errorf("heap base %#08x is not %d-byte aligned", c.HeapBase, CacheLineSize))
	}
	if uint64(c.HeapBase)+uint64(c.HeapSize) > 1<<32 {
		err = multierr.Append(err, fmt.Errorf("heap %#08x+%#x runs past the 32-bit address space", c.HeapBase, c.HeapSize))
	}
	return err
}

func (c *Config) withDefaults() *Config {
	if c == nil {
		c = NewConfig()
	}
	cp := c.DeepCopy()
	if cp.Logger == nil {
		cp.Logger = zap.NewNop()
	}
	if cp.Reporter == nil {
		cp.Reporter = NewLogReporter(cp.Logger)
	}
	if cp.Cache == nil {
		cp.Cache = NopCache{}
	}
	if cp.HeapSize == 0 {
		cp.HeapBase, cp.HeapSize = DefaultHeapBase, DefaultHeapSize
	}
	return cp
}
