package postgres

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS sponsor_pools (
	sponsor        TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	default_payout BIGINT NOT NULL,
	balance        BIGINT NOT NULL CHECK (balance >= 0),
	status         TEXT NOT NULL,
	refund_account TEXT NOT NULL,
	issue_count    BIGINT NOT NULL,
	created        TIMESTAMPTZ NOT NULL,
	updated        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS issues (
	sponsor        TEXT NOT NULL REFERENCES sponsor_pools(sponsor),
	id             BIGINT NOT NULL,
	hacker         TEXT NOT NULL,
	summary        TEXT NOT NULL,
	accepted       BOOLEAN NOT NULL,
	completed      BOOLEAN NOT NULL,
	notified       BOOLEAN NOT NULL,
	paid           BIGINT NOT NULL,
	payout_account TEXT NOT NULL,
	payout_kind    TEXT NOT NULL,
	submitted      TIMESTAMPTZ NOT NULL,
	updated        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (sponsor, id)
);

CREATE TABLE IF NOT EXISTS capability_bindings (
	sponsor    TEXT PRIMARY KEY,
	token_hash TEXT NOT NULL UNIQUE,
	public_key TEXT NOT NULL,
	created    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS action_ids (
	action_id TEXT PRIMARY KEY,
	used      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS evidence (
	action_id TEXT PRIMARY KEY REFERENCES action_ids(action_id),
	sponsor   TEXT NOT NULL,
	issue     BIGINT NOT NULL,
	reporter  TEXT NOT NULL,
	digest    TEXT NOT NULL,
	recorded  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	seq        BIGSERIAL PRIMARY KEY,
	id         UUID NOT NULL UNIQUE,
	type       TEXT NOT NULL,
	sponsor    TEXT NOT NULL,
	issue      BIGINT NOT NULL,
	amount     BIGINT NOT NULL,
	attributes JSONB,
	timestamp  TIMESTAMPTZ NOT NULL
);
`

func EnsureSchema(ctx context.Context) error {
	return DoExec(ctx, schema)
}
