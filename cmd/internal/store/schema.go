package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultSchema is the Postgres schema holding the live chat tables.
	DefaultSchema = "livechat"

	// NotifyChannel is the LISTEN/NOTIFY channel shared by every schema.
	NotifyChannel = "livechat_changes"
)

// Schema returns idempotent DDL for the live chat tables and change triggers in schema.
func Schema(schema string) (string, error) {
	if !isValidPGIdent(schema) {
		return "", errors.New("store: invalid schema identifier")
	}
	s := pgx.Identifier{schema}.Sanitize()

	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[1]s.conversations (
    id            text PRIMARY KEY,
    company_id    text NOT NULL,
    visitor_id    text,
    visitor_name  text NOT NULL DEFAULT '',
    visitor_email text,
    status        text NOT NULL DEFAULT 'waiting' CHECK (status IN ('waiting', 'active', 'closed')),
    created_at    timestamptz NOT NULL DEFAULT now(),
    updated_at    timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS conversations_company_idx ON %[1]s.conversations (company_id, created_at DESC);

CREATE TABLE IF NOT EXISTS %[1]s.conversation_cursors (
    conversation_id text PRIMARY KEY REFERENCES %[1]s.conversations (id),
    next_seq        bigint NOT NULL,
    last_ts         timestamptz NOT NULL,
    updated_at      timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[1]s.messages (
    id              text PRIMARY KEY,
    conversation_id text NOT NULL REFERENCES %[1]s.conversations (id),
    seq             bigint NOT NULL,
    sender_type     text NOT NULL CHECK (sender_type IN ('visitor', 'agent')),
    sender_id       text,
    sender_name     text NOT NULL,
    message         text NOT NULL,
    message_type    text NOT NULL DEFAULT 'text',
    client_msg_id   text,
    created_at      timestamptz NOT NULL,
    UNIQUE (conversation_id, seq),
    UNIQUE (conversation_id, client_msg_id)
);

CREATE OR REPLACE FUNCTION %[1]s.livechat_notify() RETURNS trigger
LANGUAGE plpgsql AS $fn$
BEGIN
    PERFORM pg_notify('%[2]s', json_build_object(
        'schema', TG_TABLE_SCHEMA,
        'table',  TG_TABLE_NAME,
        'op',     TG_OP,
        'id',     NEW.id
    )::text);
    RETURN NEW;
END;
$fn$;

DROP TRIGGER IF EXISTS conversations_notify ON %[1]s.conversations;
CREATE TRIGGER conversations_notify
    AFTER INSERT OR UPDATE ON %[1]s.conversations
    FOR EACH ROW EXECUTE FUNCTION %[1]s.livechat_notify();

DROP TRIGGER IF EXISTS messages_notify ON %[1]s.messages;
CREATE TRIGGER messages_notify
    AFTER INSERT ON %[1]s.messages
    FOR EACH ROW EXECUTE FUNCTION %[1]s.livechat_notify();
`, s, NotifyChannel), nil
}

// ApplySchema runs Schema(schema) against the pool.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	ddl, err := Schema(schema)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema %s: %w", schema, err)
	}
	return nil
}
