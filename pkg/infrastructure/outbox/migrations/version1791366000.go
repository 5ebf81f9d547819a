package outboxmigrations

import (
	"context"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/eventrelay/pkg/infrastructure/migrator"
	"gitea.xscloud.ru/xscloud/eventrelay/pkg/infrastructure/mysql"
)

func newVersion1791366000(client mysql.ClientContext) migrator.Migration {
	return &version1791366000{
		client: client,
	}
}

type version1791366000 struct {
	client mysql.ClientContext
}

func (v version1791366000) Version() int64 {
	return 1791366000
}

func (v version1791366000) Description() string {
	return "Create 'outbox_event' table"
}

func (v version1791366000) Up(ctx context.Context) error {
	_, err := v.client.ExecContext(ctx, `
		CREATE TABLE outbox_event
		(
		    id              BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		    event_id        VARCHAR(64)     NOT NULL,
		    event_type      VARCHAR(255)    NOT NULL,
		    routing_key     VARCHAR(255)    NOT NULL,
		    payload         MEDIUMTEXT      NOT NULL,
		    status          VARCHAR(32)     NOT NULL,
		    retry_count     INT             NOT NULL DEFAULT 0,
		    scheduled_for   DATETIME(6)     NULL,
		    last_error      TEXT            NULL,
		    created_at      DATETIME(6)     NOT NULL,
		    published_at    DATETIME(6)     NULL,
		    updated_at      DATETIME(6)     NOT NULL,
		    PRIMARY KEY (id),
		    INDEX idx_outbox_event_due (status, scheduled_for, created_at),
		    INDEX idx_outbox_event_published (status, published_at),
		    INDEX idx_outbox_event_event_id (event_id)
		)
		    ENGINE = InnoDB
		    CHARACTER SET = utf8mb4
		    COLLATE utf8mb4_unicode_ci
	`)
	return errors.WithStack(err)
}
