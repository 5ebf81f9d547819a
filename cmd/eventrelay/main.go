package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"gitea.xscloud.ru/xscloud/eventrelay/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/eventrelay/pkg/common/io"
	"gitea.xscloud.ru/xscloud/eventrelay/pkg/infrastructure/amqp"
	liblogging "gitea.xscloud.ru/xscloud/eventrelay/pkg/infrastructure/logging"
	"gitea.xscloud.ru/xscloud/eventrelay/pkg/infrastructure/mysql"
	"gitea.xscloud.ru/xscloud/eventrelay/pkg/infrastructure/outbox"
	outboxmigrations "gitea.xscloud.ru/xscloud/eventrelay/pkg/infrastructure/outbox/migrations"
)

func main() {
	cfg, err := parseConfig()
	if err != nil {
		liblogging.NewJSONLogger(&liblogging.Config{AppName: appName}).FatalError(err, "failed to load config")
	}
	logger := liblogging.NewJSONLogger(&liblogging.Config{
		AppName: appName,
		Level:   cfg.LogLevel,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = run(ctx, cfg, logger); err != nil {
		logger.FatalError(err, "eventrelay stopped with error")
	}
}

func run(ctx context.Context, cfg *config, logger logging.Logger) (err error) {
	closer := io.NewMultiCloser()
	defer func() {
		if closeErr := closer.Close(); closeErr != nil {
			logger.Error(closeErr, "failed to release resources")
		}
	}()

	dsn, err := mysqlDSN(cfg.MySQLDSN)
	if err != nil {
		return err
	}
	connector := mysql.NewConnector()
	if err = connector.Open(dsn, cfg.mysqlConfig()); err != nil {
		return err
	}
	closer.AddCloser(connector)
	pool := mysql.NewConnectionPool(connector.TransactionalClient())

	if err = migrate(ctx, pool, logger); err != nil {
		return err
	}

	gateway := amqp.NewGateway(cfg.amqpConfig(), logger)
	closer.AddCloser(gateway)
	if err = gateway.EnsureConnection(ctx); err != nil {
		logger.Warning(err, "broker is unreachable, events stay in the outbox until it recovers")
	}

	dispatcher := outbox.NewDispatcher(
		cfg.outboxConfig(),
		gateway,
		mysql.NewUnitOfWork[outbox.RepositoryProvider](pool, outbox.NewRepositoryProvider),
		mysql.NewLocker(pool),
		logger,
	)
	return dispatcher.Start(ctx)
}

func migrate(ctx context.Context, pool mysql.ConnectionPool, logger logging.Logger) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	migrator, release, err := outboxmigrations.NewOutboxMigrator(ctx, pool, logger)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := release.Close(); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()
	return migrator.Migrate()
}
