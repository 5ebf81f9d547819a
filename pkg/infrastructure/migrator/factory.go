package migrator

import (
	"context"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/eventrelay/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/eventrelay/pkg/infrastructure/mysql"
)

type Factory interface {
	NewMigrator(ctx context.Context, migrations ...Migration) (Migrator, error)
}

// NewMigratorFactory builds migrators that track applied versions in
// "<tablePrefix>_migrations" on client.
func NewMigratorFactory(tablePrefix string, client mysql.ClientContext, logger logging.Logger) Factory {
	return &migratorFactory{
		tablePrefix: tablePrefix,
		client:      client,
		logger:      logger,
	}
}

type migratorFactory struct {
	tablePrefix string
	client      mysql.ClientContext
	logger      logging.Logger
}

func (factory migratorFactory) NewMigrator(ctx context.Context, migrations ...Migration) (Migrator, error) {
	if len(migrations) == 0 {
		return nil, errors.New("migrations must not be empty")
	}
	migrator := NewMigrator(
		ctx,
		newStorage(factory.tablePrefix, factory.client),
		newLocker(factory.tablePrefix, factory.client),
		factory.logger,
		migrations,
	)
	return migrator, nil
}
