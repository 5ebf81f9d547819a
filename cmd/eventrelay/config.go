package main

import (
	"time"

	"github.com/caarlos0/env/v11"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	appoutbox "gitea.xscloud.ru/xscloud/eventrelay/pkg/application/outbox"
	"gitea.xscloud.ru/xscloud/eventrelay/pkg/infrastructure/amqp"
	"gitea.xscloud.ru/xscloud/eventrelay/pkg/infrastructure/mysql"
	"gitea.xscloud.ru/xscloud/eventrelay/pkg/infrastructure/outbox"
)

const appName = "eventrelay"

type config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"eventrelay"`
	Environment string `env:"ENVIRONMENT"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	AMQPHost               string        `env:"AMQP_HOST"`
	AMQPUser               string        `env:"AMQP_USER"`
	AMQPPassword           string        `env:"AMQP_PASSWORD"`
	AMQPVHost              string        `env:"AMQP_VHOST"`
	AMQPExchange           string        `env:"AMQP_EXCHANGE" envDefault:"events"`
	AMQPConnectTimeout     time.Duration `env:"AMQP_CONNECT_TIMEOUT" envDefault:"10s"`
	AMQPDeadLetterExchange string        `env:"AMQP_DEAD_LETTER_EXCHANGE"`
	AMQPPrefetchCount      int           `env:"AMQP_PREFETCH_COUNT" envDefault:"10"`

	MySQLDSN            string        `env:"MYSQL_DSN,notEmpty"`
	MySQLMaxConnections int           `env:"MYSQL_MAX_CONNECTIONS" envDefault:"10"`
	MySQLConnectTimeout time.Duration `env:"MYSQL_CONNECT_TIMEOUT" envDefault:"60s"`

	OutboxBatchSize           int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
	OutboxMaxRetries          int           `env:"OUTBOX_MAX_RETRIES" envDefault:"3"`
	OutboxRetentionDays       int           `env:"OUTBOX_RETENTION_DAYS" envDefault:"7"`
	OutboxDLQRetentionDays    int           `env:"OUTBOX_DLQ_RETENTION_DAYS" envDefault:"30"`
	OutboxSweepInterval       time.Duration `env:"OUTBOX_SWEEP_INTERVAL" envDefault:"10s"`
	OutboxCleanupInterval     time.Duration `env:"OUTBOX_CLEANUP_INTERVAL" envDefault:"24h"`
	OutboxLockTimeout         time.Duration `env:"OUTBOX_LOCK_TIMEOUT" envDefault:"0s"`
	OutboxCriticalRoutingKeys []string      `env:"OUTBOX_CRITICAL_ROUTING_KEYS" envSeparator:"," envDefault:"#"`
}

func parseConfig() (*config, error) {
	var c config
	if err := env.Parse(&c); err != nil {
		return nil, errors.Wrap(err, "failed to parse environment")
	}
	return &c, nil
}

func (c *config) identity() appoutbox.Identity {
	return appoutbox.Identity{
		Service:     c.ServiceName,
		Environment: c.Environment,
	}
}

func (c *config) amqpConfig() amqp.Config {
	return amqp.Config{
		Connection: amqp.ConnectionConfig{
			User:           c.AMQPUser,
			Password:       c.AMQPPassword,
			Host:           c.AMQPHost,
			VHost:          c.AMQPVHost,
			ConnectTimeout: c.AMQPConnectTimeout,
		},
		Identity:           c.identity(),
		Exchange:           c.AMQPExchange,
		DeadLetterExchange: c.AMQPDeadLetterExchange,
		PrefetchCount:      c.AMQPPrefetchCount,
	}
}

func (c *config) mysqlConfig() mysql.Config {
	return mysql.Config{
		MaxConnections:        c.MySQLMaxConnections,
		ConnectionMaxLifeTime: time.Hour,
		ConnectionMaxIdleTime: 10 * time.Minute,
		ConnectTimeout:        c.MySQLConnectTimeout,
	}
}

func (c *config) outboxConfig() outbox.Config {
	return outbox.Config{
		Identity:         c.identity(),
		BatchSize:        c.OutboxBatchSize,
		MaxRetries:       c.OutboxMaxRetries,
		RetentionDays:    c.OutboxRetentionDays,
		DLQRetentionDays: c.OutboxDLQRetentionDays,
		SweepInterval:    c.OutboxSweepInterval,
		CleanupInterval:  c.OutboxCleanupInterval,
		LockTimeout:      c.OutboxLockTimeout,
		// Leaves room for producer transactions and the sweep's own sessions.
		ImmediateDispatchLimit: max(1, c.MySQLMaxConnections/2),
		CriticalRoutingKeys:    c.OutboxCriticalRoutingKeys,
	}
}

// mysqlDSN forces the driver options the outbox storage relies on: DATETIME columns
// scanned into time.Time, in UTC.
func mysqlDSN(raw string) (string, error) {
	dsn, err := mysqldriver.ParseDSN(raw)
	if err != nil {
		return "", errors.Wrap(err, "invalid MYSQL_DSN")
	}
	dsn.ParseTime = true
	dsn.Loc = time.UTC
	return dsn.FormatDSN(), nil
}
