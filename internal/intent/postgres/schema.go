package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS intent_operations (
	intent_id BYTEA PRIMARY KEY,
	owner_hash BYTEA NOT NULL,
	kind SMALLINT NOT NULL,
	asset BYTEA NOT NULL,
	amount NUMERIC(39) NOT NULL,
	original_decimals SMALLINT NOT NULL,
	deadline BIGINT NOT NULL,
	salt BYTEA NOT NULL,
	secret_hash BYTEA NOT NULL,
	state SMALLINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS intent_operations_state_idx ON intent_operations (state);

CREATE TABLE IF NOT EXISTS intent_steps (
	id BIGSERIAL PRIMARY KEY,
	intent_id BYTEA NOT NULL REFERENCES intent_operations (intent_id),
	state SMALLINT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	tx_hash BYTEA NOT NULL,
	fault_kind TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS intent_steps_intent_id_idx ON intent_steps (intent_id);
`
