package config

import (
	"fmt"
	"time"

	"lendctl/errs"
)

var (
	MinPollInterval = 100 * time.Millisecond
)

func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return errs.Configuration("config", "RPCURL", "rpc url required")
	}
	if c.PlanFile == "" {
		return errs.Configuration("config", "PlanFile", "plan file required")
	}
	if c.ArtifactsDir == "" {
		return errs.Configuration("config", "ArtifactsDir", "artifacts directory required")
	}
	switch c.Registry.Backend {
	case RegistryFile, RegistryBolt:
	default:
		return errs.Configuration("config", "registry.Backend", "unknown registry backend %q", c.Registry.Backend)
	}
	if c.Registry.Path == "" {
		return errs.Configuration("config", "registry.Path", "registry path required")
	}
	if c.Tx.Confirmations == 0 {
		return errs.Configuration("config", "tx.Confirmations", "at least one confirmation required")
	}
	if c.Tx.ConfirmTimeout.Duration <= 0 {
		return errs.Configuration("config", "tx.ConfirmTimeout", "confirm timeout must be positive")
	}
	if c.Tx.PollInterval.Duration < MinPollInterval {
		return errs.Configuration("config", "tx.PollInterval", "poll interval below %s", MinPollInterval)
	}
	if c.Tx.PollInterval.Duration >= c.Tx.ConfirmTimeout.Duration {
		return errs.Configuration("config", "tx.PollInterval", "poll interval must be shorter than the confirm timeout")
	}
	if c.Tx.ReadsPerSecond < 0 {
		return errs.Configuration("config", "tx.ReadsPerSecond", "reads per second must not be negative")
	}
	feeCap, tipCap, err := c.Tx.FeeCaps()
	if err != nil {
		return errs.Wrap(errs.ErrConfiguration, "config", "tx", err)
	}
	if feeCap != nil && tipCap != nil && feeCap.Cmp(tipCap) < 0 {
		return errs.Configuration("config", "tx.GasFeeCapWei", "fee cap below tip cap")
	}
	if c.Log.File != "" && (c.Log.MaxSizeMB <= 0 || c.Log.MaxBackups < 0) {
		return errs.Configuration("config", "log", "invalid rotation limits: max_size=%d max_backups=%d", c.Log.MaxSizeMB, c.Log.MaxBackups)
	}
	return nil
}

// Summary renders the non-secret settings for the startup log line.
func (c *Config) Summary() string {
	return fmt.Sprintf("plan=%s registry=%s:%s confirmations=%d", c.PlanFile, c.Registry.Backend, c.Registry.Path, c.Tx.Confirmations)
}
