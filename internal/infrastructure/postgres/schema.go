package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the DDL for every table the service owns. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS visits (
	id            TEXT PRIMARY KEY,
	patient_id    TEXT NOT NULL,
	visit_at      TIMESTAMPTZ NOT NULL,
	department    TEXT NOT NULL,
	funding_type  TEXT NOT NULL CHECK (funding_type IN ('SELF_PAY', 'INSURANCE')),
	insurer       TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL CHECK (status IN ('REGISTERED', 'IN_PROGRESS', 'COMPLETED', 'CANCELLED')),
	cancel_reason TEXT NOT NULL DEFAULT '',
	cash_reason   TEXT NOT NULL DEFAULT '',
	version       INTEGER NOT NULL DEFAULT 1,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	created_by    TEXT NOT NULL,
	updated_by    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS visits_patient_idx ON visits (patient_id, visit_at DESC);

CREATE TABLE IF NOT EXISTS verifications (
	id                TEXT PRIMARY KEY,
	visit_id          TEXT NOT NULL REFERENCES visits (id),
	card_no           TEXT NOT NULL,
	visit_type        TEXT NOT NULL,
	referral_no       TEXT NOT NULL DEFAULT '',
	remarks           TEXT NOT NULL DEFAULT '',
	card_status       TEXT NOT NULL DEFAULT '',
	outcome           TEXT NOT NULL,
	authorization_no  TEXT NOT NULL DEFAULT '',
	member_name       TEXT NOT NULL DEFAULT '',
	authority_remarks TEXT NOT NULL DEFAULT '',
	failure           TEXT NOT NULL DEFAULT '',
	raw_response      BYTEA,
	actor_id          TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	active            BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE UNIQUE INDEX IF NOT EXISTS verifications_one_active_idx ON verifications (visit_id) WHERE active;
CREATE INDEX IF NOT EXISTS verifications_history_idx ON verifications (visit_id, created_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS outbox (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	topic          TEXT NOT NULL,
	message_key    TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at   TIMESTAMPTZ,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT
);

CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (created_at) WHERE processed_at IS NULL;

CREATE TABLE IF NOT EXISTS inbox (
	idempotency_key TEXT PRIMARY KEY,
	handler_name    TEXT NOT NULL,
	status          TEXT NOT NULL,
	payload         JSONB,
	result          JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at      TIMESTAMPTZ
);
`

// EnsureSchema applies Schema
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
