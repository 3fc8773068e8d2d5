package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"leazr/cmd/internal/ids"
	v1 "leazr/shared/contracts/livechat/v1"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close() only shuts down subscriptions.
//
// Concurrency model:
//   - Per-conversation transactional advisory locks serialize message inserts, which
//     gives gap-free seq allocation and non-decreasing created_at.
//   - Changes reach subscribers only through Listen (LISTEN/NOTIFY), so every
//     server instance observes the same commit order.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	log    *slog.Logger
	feed   *feed
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "livechat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithLogger sets the logger used by the listener and feed.
func WithLogger(log *slog.Logger) PostgresOption {
	return func(s *PostgresStore) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: DefaultSchema,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("store: nil pool")
	}
	st.feed = newFeed(st.log)
	return st, nil
}

// Close shuts down subscriptions. The pool is owned by the caller.
func (s *PostgresStore) Close() error {
	s.feed.close()
	return nil
}

const conversationCols = `id, company_id, COALESCE(visitor_id, ''), visitor_name, COALESCE(visitor_email, ''), status, created_at, updated_at`

const messageCols = `id, conversation_id, seq, sender_type, COALESCE(sender_id, ''), sender_name, message, message_type, COALESCE(client_msg_id, ''), created_at`

// CreateConversation inserts a conversation or returns the existing one with the same id.
func (s *PostgresStore) CreateConversation(ctx context.Context, c v1.Conversation) (CreateConversationResult, error) {
	const op = "store.CreateConversation"

	if err := ctx.Err(); err != nil {
		return CreateConversationResult{}, err
	}
	c, err := normalizeConversation(op, c, time.Now().UTC())
	if err != nil {
		return CreateConversationResult{}, err
	}

	conversations := pgIdent(s.schema, "conversations")

	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+conversations+` (
		     id, company_id, visitor_id, visitor_name, visitor_email, status, created_at, updated_at
		   ) VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7, $7)
		 ON CONFLICT (id) DO NOTHING
		 RETURNING `+conversationCols,
		c.ID, c.CompanyID, c.VisitorID, c.VisitorName, c.VisitorEmail, string(c.Status), c.CreatedAt,
	)

	created, err := scanConversation(row)
	if err == nil {
		return CreateConversationResult{Conversation: created, Created: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return CreateConversationResult{}, fmt.Errorf("%s: %w", op, err)
	}

	existing, err := s.GetConversation(ctx, c.ID)
	if err != nil {
		return CreateConversationResult{}, err
	}
	if existing.CompanyID != c.CompanyID {
		return CreateConversationResult{}, conflict(op, "conversation belongs to another company")
	}
	return CreateConversationResult{Conversation: existing, Created: false}, nil
}

// GetConversation returns a conversation by id.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (v1.Conversation, error) {
	conversations := pgIdent(s.schema, "conversations")

	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationCols+` FROM `+conversations+` WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return v1.Conversation{}, notFound("store.GetConversation", "conversation")
	}
	if err != nil {
		return v1.Conversation{}, err
	}
	return c, nil
}

// UpdateConversationStatus changes the status. Setting the current status is a no-op.
// updated_at strictly increases on every real change so pollers can use it as a cursor.
func (s *PostgresStore) UpdateConversationStatus(ctx context.Context, id string, status v1.ConversationStatus) (v1.Conversation, error) {
	const op = "store.UpdateConversationStatus"

	if !status.Valid() {
		return v1.Conversation{}, invalid(op, "invalid status")
	}

	conversations := pgIdent(s.schema, "conversations")

	c, err := scanConversation(s.pool.QueryRow(ctx,
		`UPDATE `+conversations+`
		    SET status = $2,
		        updated_at = GREATEST($3, updated_at + interval '1 microsecond')
		  WHERE id = $1 AND status <> $2
		RETURNING `+conversationCols,
		id, string(status), time.Now().UTC(),
	))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return v1.Conversation{}, fmt.Errorf("%s: %w", op, err)
	}

	// Either missing or already in the requested status.
	return s.GetConversation(ctx, id)
}

// InsertMessage appends a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) InsertMessage(ctx context.Context, in InsertMessageInput) (InsertMessageResult, error) {
	const op = "store.InsertMessage"

	if err := ctx.Err(); err != nil {
		return InsertMessageResult{}, err
	}
	in, err := normalizeMessage(op, in)
	if err != nil {
		return InsertMessageResult{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return InsertMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	cursors := pgIdent(s.schema, "conversation_cursors")
	messages := pgIdent(s.schema, "messages")

	// Serialize all writes per conversation.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return InsertMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM `+conversations+` WHERE id = $1`, in.ConversationID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return InsertMessageResult{}, notFound(op, "conversation")
	}
	if err != nil {
		return InsertMessageResult{}, err
	}

	if in.ClientMsgID != "" {
		existing, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageCols+` FROM `+messages+` WHERE conversation_id = $1 AND client_msg_id = $2`,
			in.ConversationID, in.ClientMsgID,
		))
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return InsertMessageResult{}, err
			}
			return InsertMessageResult{Message: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return InsertMessageResult{}, err
		}
	}

	// Cursor row ensures monotonic seq allocation and a non-decreasing timestamp.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (conversation_id, next_seq, last_ts)
		 VALUES ($1, 1, $2)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		in.ConversationID, in.Now,
	); err != nil {
		return InsertMessageResult{}, err
	}

	var (
		seq int64
		ts  time.Time
	)
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        last_ts = GREATEST(last_ts, $2),
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_seq - 1), last_ts`,
		in.ConversationID, in.Now,
	).Scan(&seq, &ts); err != nil {
		return InsertMessageResult{}, err
	}

	id, err := ids.NewULID(ts)
	if err != nil {
		return InsertMessageResult{}, err
	}

	msg, err := scanMessage(tx.QueryRow(ctx,
		`INSERT INTO `+messages+` (
		     id, conversation_id, seq, sender_type, sender_id, sender_name, message, message_type, client_msg_id, created_at
		   ) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, NULLIF($9, ''), $10)
		 RETURNING `+messageCols,
		id, in.ConversationID, seq, string(in.SenderType), in.SenderID, in.SenderName, in.Message,
		string(in.MessageType), in.ClientMsgID, ts,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return InsertMessageResult{}, conflict(op, pgErr.ConstraintName)
		}
		return InsertMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return InsertMessageResult{}, err
	}
	return InsertMessageResult{Message: msg}, nil
}

// ListMessages returns messages ordered by seq ASC, with optional paging by AfterSeq.
func (s *PostgresStore) ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	if in.ConversationID == "" {
		return ListMessagesResult{}, invalid("store.ListMessages", "missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return ListMessagesResult{}, err
	}

	limit := clampLimit(in.Limit)
	fetch := limit + 1

	after := int64(0)
	if in.AfterSeq != nil {
		after = *in.AfterSeq
	}

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageCols+`
		   FROM `+messages+`
		  WHERE conversation_id = $1 AND seq > $2
		  ORDER BY seq ASC
		  LIMIT $3`,
		in.ConversationID, after, fetch,
	)
	if err != nil {
		return ListMessagesResult{}, err
	}
	defer rows.Close()

	msgs := make([]v1.Message, 0, fetch)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return ListMessagesResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ListMessagesResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return ListMessagesResult{Messages: msgs, HasMore: hasMore}, nil
}

// LastSeq returns the highest allocated seq of a conversation.
func (s *PostgresStore) LastSeq(ctx context.Context, conversationID string) (int64, error) {
	const op = "store.LastSeq"

	conversations := pgIdent(s.schema, "conversations")
	cursors := pgIdent(s.schema, "conversation_cursors")

	var (
		exists bool
		last   int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT true, COALESCE(cur.next_seq - 1, 0)
		   FROM `+conversations+` c
		   LEFT JOIN `+cursors+` cur ON cur.conversation_id = c.id
		  WHERE c.id = $1`,
		conversationID,
	).Scan(&exists, &last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, notFound(op, "conversation")
	}
	if err != nil {
		return 0, err
	}
	return last, nil
}

// Subscribe registers a filtered change-feed subscription. Changes only flow while
// Listen is running.
func (s *PostgresStore) Subscribe(ctx context.Context, f v1.Filter) (*Subscription, error) {
	return s.feed.subscribe(ctx, f)
}

func (s *PostgresStore) getMessage(ctx context.Context, id string) (v1.Message, error) {
	messages := pgIdent(s.schema, "messages")

	m, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageCols+` FROM `+messages+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return v1.Message{}, notFound("store.getMessage", "message")
	}
	return m, err
}

func scanConversation(row pgx.Row) (v1.Conversation, error) {
	var (
		c      v1.Conversation
		status string
	)
	err := row.Scan(&c.ID, &c.CompanyID, &c.VisitorID, &c.VisitorName, &c.VisitorEmail, &status, &c.CreatedAt, &c.UpdatedAt)
	c.Status = v1.ConversationStatus(status)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, err
}

func scanMessage(row pgx.Row) (v1.Message, error) {
	var (
		m           v1.Message
		senderType  string
		messageType string
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &senderType, &m.SenderID, &m.SenderName, &m.Message, &messageType, &m.ClientMsgID, &m.CreatedAt)
	m.SenderType = v1.SenderType(senderType)
	m.MessageType = v1.MessageType(messageType)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
