package migrator

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/eventrelay/pkg/application/logging"
	liberr "gitea.xscloud.ru/xscloud/eventrelay/pkg/common/errors"
)

type Migration interface {
	Version() int64
	Description() string
	Up(ctx context.Context) error
}

type Migrator interface {
	Migrate() error
}

type versionStorage interface {
	Init(ctx context.Context) error
	LastVersion(ctx context.Context) (int64, error)
	Applied(ctx context.Context, version int64) (bool, error)
	Store(ctx context.Context, migration Migration, appliedAt time.Time) error
}

type migrationLocker interface {
	Lock(ctx context.Context) error
	Unlock() error
}

func NewMigrator(
	ctx context.Context,
	storage versionStorage,
	locker migrationLocker,
	logger logging.Logger,
	migrations []Migration,
) Migrator {
	sorted := slices.Clone(migrations)
	slices.SortFunc(sorted, func(l, r Migration) int {
		return cmp.Compare(l.Version(), r.Version())
	})
	return &migrator{
		ctx:        ctx,
		storage:    storage,
		locker:     locker,
		logger:     logger,
		migrations: sorted,
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Microsecond)
		},
	}
}

type migrator struct {
	ctx context.Context

	storage versionStorage
	locker  migrationLocker
	logger  logging.Logger

	migrations []Migration
	now        func() time.Time
}

// Migrate applies pending migrations in version order under the migration lock.
// A pending migration older than the last applied one is an error: versions are
// expected to grow monotonically.
func (m migrator) Migrate() (err error) {
	err = m.locker.Lock(m.ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = liberr.Join(err, fmt.Errorf("panic: %v", r))
		}
		err = liberr.Join(err, m.locker.Unlock())
	}()

	err = m.storage.Init(m.ctx)
	if err != nil {
		return err
	}
	lastVersion, err := m.storage.LastVersion(m.ctx)
	if err != nil {
		return err
	}

	for _, migration := range m.migrations {
		logger := m.logger.WithField("version", migration.Version())

		var applied bool
		applied, err = m.storage.Applied(m.ctx, migration.Version())
		if err != nil {
			return err
		}
		if applied {
			logger.Debug("migration already applied")
			continue
		}
		if migration.Version() < lastVersion {
			return errors.Errorf("migration version %v less then last applied %v", migration.Version(), lastVersion)
		}
		err = migration.Up(m.ctx)
		if err != nil {
			return errors.Wrapf(err, "migration %v %q failed", migration.Version(), migration.Description())
		}
		appliedAt := m.now()
		err = m.storage.Store(m.ctx, migration, appliedAt)
		if err != nil {
			return err
		}
		logger.WithField("description", migration.Description()).
			WithField("applied_at", appliedAt.Format(time.RFC3339Nano)).
			Info("migration applied")
	}
	return nil
}
