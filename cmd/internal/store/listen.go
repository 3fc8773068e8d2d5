package store

import (
	"context"
	"encoding/json"
	"time"

	v1 "leazr/shared/contracts/livechat/v1"

	"github.com/jackc/pgx/v5"
)

const (
	listenRetryMin = 500 * time.Millisecond
	listenRetryMax = 30 * time.Second
)

type notifyPayload struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Op     string `json:"op"`
	ID     string `json:"id"`
}

// Listen holds one pooled connection in LISTEN and publishes every change of this
// store's schema to subscribers. It reconnects with backoff and returns nil when ctx ends.
//
// Changes committed while the listener is reconnecting are not replayed.
func (s *PostgresStore) Listen(ctx context.Context) error {
	backoff := listenRetryMin

	for {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		s.log.Warn("store.listen.fail", "err", err, "retry_in", backoff.String())

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > listenRetryMax {
			backoff = listenRetryMax
		}
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		// Do not hand a LISTENing connection back to the pool.
		unlistenCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, _ = conn.Exec(unlistenCtx, "UNLISTEN *")
		cancel()
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		return err
	}

	s.log.Info("store.listen.start", "schema", s.schema, "channel", NotifyChannel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.dispatch(ctx, n.Payload)
	}
}

func (s *PostgresStore) dispatch(ctx context.Context, payload string) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		s.log.Warn("store.listen.bad_payload", "err", err)
		return
	}
	if p.Schema != s.schema {
		return
	}

	// Skip the row load when nobody is listening.
	if s.feed.size() == 0 {
		return
	}

	switch v1.Table(p.Table) {
	case v1.TableConversations:
		c, err := s.GetConversation(ctx, p.ID)
		if err != nil {
			s.log.Warn("store.listen.load_fail", "table", p.Table, "id", p.ID, "err", err)
			return
		}
		s.feed.publish(v1.Change{Table: v1.TableConversations, Op: v1.Op(p.Op), Conversation: &c})

	case v1.TableMessages:
		m, err := s.getMessage(ctx, p.ID)
		if err != nil {
			s.log.Warn("store.listen.load_fail", "table", p.Table, "id", p.ID, "err", err)
			return
		}
		s.feed.publish(v1.Change{Table: v1.TableMessages, Op: v1.Op(p.Op), Message: &m})

	default:
		s.log.Debug("store.listen.unknown_table", "table", p.Table)
	}
}
