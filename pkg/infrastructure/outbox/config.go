package outbox

import (
	"time"

	appoutbox "gitea.xscloud.ru/xscloud/eventrelay/pkg/application/outbox"
)

const (
	defaultBatchSize        = 100
	defaultMaxRetries       = 3
	defaultRetentionDays    = 7
	defaultDLQRetentionDays = 30
	defaultSweepInterval    = 10 * time.Second
	defaultCleanupInterval  = 24 * time.Hour
	defaultPublishTimeout   = 30 * time.Second

	defaultImmediateDispatchLimit = 4

	sweepLockName   = "outbox_sweep"
	entryLockName   = "outbox_entry"
	cleanupLockName = "outbox_cleanup"
)

// DefaultCriticalRoutingKeys treats every routing key as critical, so nothing is
// dropped unless a narrower list is configured.
var DefaultCriticalRoutingKeys = []string{"#"}

type Config struct {
	Identity appoutbox.Identity

	BatchSize        int
	MaxRetries       int
	RetentionDays    int
	DLQRetentionDays int

	SweepInterval   time.Duration
	CleanupInterval time.Duration
	// LockTimeout is how long a sweep or cleanup waits for another instance to
	// release its lock before skipping. Zero skips immediately.
	LockTimeout time.Duration
	// PublishTimeout bounds a single broker publish.
	PublishTimeout time.Duration
	// ImmediateDispatchLimit caps concurrent background attempts started by
	// SaveAndPublish and requeue. Each one holds a database connection, so keep it
	// below the connection pool size.
	ImmediateDispatchLimit int

	CriticalRoutingKeys []string
}

func DefaultConfig() Config {
	return Config{
		BatchSize:              defaultBatchSize,
		MaxRetries:             defaultMaxRetries,
		RetentionDays:          defaultRetentionDays,
		DLQRetentionDays:       defaultDLQRetentionDays,
		SweepInterval:          defaultSweepInterval,
		CleanupInterval:        defaultCleanupInterval,
		PublishTimeout:         defaultPublishTimeout,
		ImmediateDispatchLimit: defaultImmediateDispatchLimit,
		CriticalRoutingKeys:    DefaultCriticalRoutingKeys,
	}
}

func (c *Config) normalize() {
	defaults := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = defaults.RetentionDays
	}
	if c.DLQRetentionDays <= 0 {
		c.DLQRetentionDays = defaults.DLQRetentionDays
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaults.CleanupInterval
	}
	if c.LockTimeout < 0 {
		c.LockTimeout = 0
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaults.PublishTimeout
	}
	if c.ImmediateDispatchLimit <= 0 {
		c.ImmediateDispatchLimit = defaults.ImmediateDispatchLimit
	}
	if c.CriticalRoutingKeys == nil {
		c.CriticalRoutingKeys = defaults.CriticalRoutingKeys
	}
}
