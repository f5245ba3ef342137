package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS escrow_secrets (
	key BYTEA PRIMARY KEY,
	ciphertext BYTEA NOT NULL,
	nonce BYTEA NOT NULL,
	stored_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
