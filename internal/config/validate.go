package config

import (
	"fmt"
	"slices"
	"strings"
)

var (
	validDrivers     = []string{"memory", "postgres", "s3"}
	validS3Providers = []string{"aws", "minio", "r2", "custom"}
	validTiers       = []string{"trial", "expired", "active"}
)

// Validate performs business-rule validation on the loaded configuration.
// It must be called after loading; Load calls it automatically.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Account.Owner) == "" {
		return fmt.Errorf("account.owner must not be empty")
	}
	if !slices.Contains(validTiers, c.Account.Tier) {
		return fmt.Errorf("account.tier must be one of %v (got %q)", validTiers, c.Account.Tier)
	}

	if err := c.Remote.validate(); err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	if err := c.Push.validate(); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	if err := c.Pull.validate(); err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	if c.Compactor.Retention <= 0 {
		return fmt.Errorf("compactor: retention must be > 0 (got %s)", c.Compactor.Retention)
	}
	if c.Compactor.Interval <= 0 {
		return fmt.Errorf("compactor: interval must be > 0 (got %s)", c.Compactor.Interval)
	}

	return nil
}

func (r *RemoteConfig) validate() error {
	if !slices.Contains(validDrivers, r.Driver) {
		return fmt.Errorf("driver must be one of %v (got %q)", validDrivers, r.Driver)
	}
	switch r.Driver {
	case "postgres":
		if r.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required for the postgres driver")
		}
		if r.Postgres.PageSize <= 0 {
			return fmt.Errorf("postgres.page_size must be > 0 (got %d)", r.Postgres.PageSize)
		}
	case "s3":
		if !slices.Contains(validS3Providers, r.S3.Provider) {
			return fmt.Errorf("s3.provider must be one of %v (got %q)", validS3Providers, r.S3.Provider)
		}
		if r.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required for the s3 driver")
		}
		if r.S3.Provider == "r2" && r.S3.AccountID == "" {
			return fmt.Errorf("s3.account_id is required for the r2 provider")
		}
		if (r.S3.Provider == "minio" || r.S3.Provider == "custom") && r.S3.Endpoint == "" {
			return fmt.Errorf("s3.endpoint is required for the %s provider", r.S3.Provider)
		}
	}
	return nil
}

func (p *PushConfig) validate() error {
	if p.Interval <= 0 {
		return fmt.Errorf("interval must be > 0 (got %s)", p.Interval)
	}
	if p.InterCommitDelay < 0 {
		return fmt.Errorf("inter_commit_delay must be >= 0 (got %s)", p.InterCommitDelay)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0 (got %d)", p.MaxRetries)
	}
	if p.QuotaCooldown <= 0 {
		return fmt.Errorf("quota_cooldown must be > 0 (got %s)", p.QuotaCooldown)
	}
	return nil
}

func (p *PullConfig) validate() error {
	p.Collections = ParseCollections(p.CollectionsRaw)
	if len(p.Collections) == 0 {
		return fmt.Errorf("collections must name at least one collection")
	}
	if p.MinInterval <= 0 {
		return fmt.Errorf("min_interval must be > 0 (got %s)", p.MinInterval)
	}
	if p.MaxInterval < p.MinInterval {
		return fmt.Errorf("max_interval (%s) must be >= min_interval (%s)", p.MaxInterval, p.MinInterval)
	}
	if p.Step <= 0 {
		return fmt.Errorf("step must be > 0 (got %s)", p.Step)
	}
	if p.EmptyThreshold < 1 {
		return fmt.Errorf("empty_threshold must be >= 1 (got %d)", p.EmptyThreshold)
	}
	return nil
}
