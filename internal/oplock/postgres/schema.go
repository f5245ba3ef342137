package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS intent_op_locks (
	intent_id BYTEA PRIMARY KEY,
	holder TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
