package migrator

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/eventrelay/pkg/infrastructure/mysql"
)

// storage keeps applied migration versions in "<tablePrefix>_migrations".
type storage struct {
	table  string
	client mysql.ClientContext
}

func newStorage(tablePrefix string, client mysql.ClientContext) *storage {
	return &storage{
		table:  tablePrefix + "_migrations",
		client: client,
	}
}

func (s *storage) Init(ctx context.Context) error {
	const sqlQuery = `
		CREATE TABLE IF NOT EXISTS {table}
		(
		    version     BIGINT      NOT NULL,
		    description TEXT        NOT NULL,
		    applied_at  DATETIME(6) NOT NULL,
		    PRIMARY KEY (version)
		)
		    ENGINE = InnoDB
		    CHARACTER SET = utf8mb4
		    COLLATE utf8mb4_unicode_ci
	`
	_, err := s.client.ExecContext(ctx, s.query(sqlQuery))
	return errors.Wrapf(err, "failed to create %s", s.table)
}

func (s *storage) LastVersion(ctx context.Context) (int64, error) {
	var version int64
	err := s.client.GetContext(ctx, &version, s.query(`SELECT COALESCE(MAX(version), 0) FROM {table}`))
	return version, errors.WithStack(err)
}

func (s *storage) Applied(ctx context.Context, version int64) (bool, error) {
	var applied bool
	err := s.client.GetContext(ctx, &applied, s.query(`SELECT EXISTS(SELECT 1 FROM {table} WHERE version = ?)`), version)
	return applied, errors.WithStack(err)
}

func (s *storage) Store(ctx context.Context, migration Migration, appliedAt time.Time) error {
	_, err := s.client.ExecContext(ctx,
		s.query(`INSERT INTO {table} (version, description, applied_at) VALUES (?, ?, ?)`),
		migration.Version(), migration.Description(), appliedAt,
	)
	return errors.Wrapf(err, "failed to record migration %d", migration.Version())
}

func (s *storage) query(sqlQuery string) string {
	return strings.ReplaceAll(sqlQuery, "{table}", s.table)
}
