package postgres

const (
	outboxTable = "cogbus_outbox"
	leaseTable  = "cogbus_outbox_leases"
	inboxTable  = "cogbus_inbox"
	cursorTable = "cogbus_cursors"
)

const schema = `
CREATE TABLE IF NOT EXISTS cogbus_outbox (
	id              UUID PRIMARY KEY,
	seq             BIGSERIAL NOT NULL,
	partition_key   TEXT NOT NULL,
	kind            TEXT NOT NULL,
	type            TEXT NOT NULL,
	schema_version  INTEGER NOT NULL,
	payload         BYTEA,
	headers         JSONB,
	occurred_at     TIMESTAMPTZ NOT NULL,
	causation_id    UUID,
	correlation_id  UUID NOT NULL,
	status          TEXT NOT NULL CHECK (status IN ('PENDING', 'PUBLISHED', 'FAILED')),
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMPTZ NOT NULL,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	published_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS cogbus_outbox_pending_idx
	ON cogbus_outbox (partition_key, occurred_at, seq)
	WHERE status = 'PENDING';

CREATE INDEX IF NOT EXISTS cogbus_outbox_published_idx
	ON cogbus_outbox (published_at)
	WHERE status = 'PUBLISHED';

CREATE TABLE IF NOT EXISTS cogbus_outbox_leases (
	partition_key TEXT PRIMARY KEY,
	lease_until   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS cogbus_inbox (
	envelope_id  UUID NOT NULL,
	consumer_id  TEXT NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (envelope_id, consumer_id)
);

CREATE INDEX IF NOT EXISTS cogbus_inbox_processed_idx ON cogbus_inbox (processed_at);

CREATE TABLE IF NOT EXISTS cogbus_cursors (
	consumer_id TEXT PRIMARY KEY,
	position    BIGINT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
`
