package outboxmigrations

import (
	"context"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/eventrelay/pkg/infrastructure/migrator"
	"gitea.xscloud.ru/xscloud/eventrelay/pkg/infrastructure/mysql"
)

func newVersion1791366100(client mysql.ClientContext) migrator.Migration {
	return &version1791366100{
		client: client,
	}
}

type version1791366100 struct {
	client mysql.ClientContext
}

func (v version1791366100) Version() int64 {
	return 1791366100
}

func (v version1791366100) Description() string {
	return "Create 'outbox_dead_letter' table"
}

func (v version1791366100) Up(ctx context.Context) error {
	_, err := v.client.ExecContext(ctx, `
		CREATE TABLE outbox_dead_letter
		(
		    id                  BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		    original_event_id   VARCHAR(64)     NOT NULL,
		    event_type          VARCHAR(255)    NOT NULL,
		    routing_key         VARCHAR(255)    NOT NULL,
		    payload             MEDIUMTEXT      NOT NULL,
		    failure_reason      TEXT            NOT NULL,
		    retry_count         INT             NOT NULL,
		    original_created_at DATETIME(6)     NOT NULL,
		    moved_to_dlq_at     DATETIME(6)     NOT NULL,
		    status              VARCHAR(32)     NOT NULL,
		    reviewed_at         DATETIME(6)     NULL,
		    reviewed_by         VARCHAR(255)    NULL,
		    review_notes        TEXT            NULL,
		    PRIMARY KEY (id),
		    INDEX idx_outbox_dead_letter_review (status, reviewed_at),
		    INDEX idx_outbox_dead_letter_type (event_type, status),
		    INDEX idx_outbox_dead_letter_event_id (original_event_id)
		)
		    ENGINE = InnoDB
		    CHARACTER SET = utf8mb4
		    COLLATE utf8mb4_unicode_ci
	`)
	return errors.WithStack(err)
}
