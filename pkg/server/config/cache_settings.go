package config

import (
	"errors"
	"time"
)

const (
	DefaultEntityCacheEnabled = true
	DefaultEntityCacheTTL     = 10 * time.Second
	DefaultEntityCacheLimit   = 1000
	DefaultProgramCacheLimit  = 1000
)

// CacheSettings controls the in-process caches: channel and platform reads
// made while verifying tokens, and compiled entitlement evaluators.
type CacheSettings struct {
	EntityCacheEnabled bool
	EntityCacheTTL     time.Duration
	EntityCacheLimit   int64
	ProgramCacheLimit  int64
}

func NewDefaultCacheSettings() CacheSettings {
	return CacheSettings{
		EntityCacheEnabled: DefaultEntityCacheEnabled,
		EntityCacheTTL:     DefaultEntityCacheTTL,
		EntityCacheLimit:   DefaultEntityCacheLimit,
		ProgramCacheLimit:  DefaultProgramCacheLimit,
	}
}

func (c CacheSettings) ShouldCacheEntities() bool {
	return c.EntityCacheEnabled && c.EntityCacheLimit > 0 && c.EntityCacheTTL > 0
}

func (c CacheSettings) Verify() error {
	if c.ProgramCacheLimit <= 0 {
		return errors.New("config 'cache.programCacheLimit' must be greater than 0")
	}
	return nil
}
