package outboxmigrations

import (
	"context"

	"gitea.xscloud.ru/xscloud/eventrelay/pkg/application/logging"
	liberr "gitea.xscloud.ru/xscloud/eventrelay/pkg/common/errors"
	"gitea.xscloud.ru/xscloud/eventrelay/pkg/common/io"
	libmigrator "gitea.xscloud.ru/xscloud/eventrelay/pkg/infrastructure/migrator"
	"gitea.xscloud.ru/xscloud/eventrelay/pkg/infrastructure/mysql"
)

const tablePrefix = "outbox"

// NewOutboxMigrator returns a migrator for the outbox and dead letter tables bound to
// one connection taken from pool. release returns that connection.
func NewOutboxMigrator(
	ctx context.Context,
	pool mysql.ConnectionPool,
	logger logging.Logger,
) (migrator libmigrator.Migrator, release io.CloserFunc, err error) {
	conn, err := pool.TransactionalConnection(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			err = liberr.Join(err, conn.Close())
		}
	}()

	factory := libmigrator.NewMigratorFactory(tablePrefix, conn, logger.WithField("migrator", tablePrefix))

	migrations := make([]libmigrator.Migration, 0, len(builderFunctions))
	for _, builder := range builderFunctions {
		migrations = append(migrations, builder(conn))
	}

	migrator, err = factory.NewMigrator(ctx, migrations...)
	if err != nil {
		return nil, nil, err
	}
	return migrator, conn.Close, nil
}

var builderFunctions = []func(client mysql.ClientContext) libmigrator.Migration{
	newVersion1791366000,
	newVersion1791366100,
}
