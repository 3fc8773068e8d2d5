package chatclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "leazr/shared/contracts/livechat/v1"

	"github.com/go-resty/resty/v2"
)

const (
	defaultPollWait     = 25 * time.Second
	defaultPollRetryMin = 500 * time.Millisecond
	defaultPollRetryMax = 15 * time.Second
	listPageSize        = 500
)

// RESTStore is a Store backed by the chat server's hosted-store HTTP API. Subscriptions
// are long-poll loops.
type RESTStore struct {
	client   *resty.Client
	log      *slog.Logger
	pollWait time.Duration
	retryMin time.Duration
	retryMax time.Duration
}

var _ Store = (*RESTStore)(nil)

// RESTOption configures a RESTStore.
type RESTOption func(*RESTStore)

// WithBearerToken sends token as the Authorization bearer of every request.
func WithBearerToken(token string) RESTOption {
	return func(s *RESTStore) {
		if strings.TrimSpace(token) != "" {
			s.client.SetAuthToken(token)
		}
	}
}

// WithPollWait sets how long the server may hold one long-poll request.
func WithPollWait(d time.Duration) RESTOption {
	return func(s *RESTStore) {
		if d > 0 {
			s.pollWait = d
		}
	}
}

// WithPollRetry sets the backoff bounds used after a failed poll.
func WithPollRetry(lo, hi time.Duration) RESTOption {
	return func(s *RESTStore) {
		if lo > 0 {
			s.retryMin = lo
		}
		if hi >= s.retryMin {
			s.retryMax = hi
		}
	}
}

// WithRESTLogger sets the logger.
func WithRESTLogger(log *slog.Logger) RESTOption {
	return func(s *RESTStore) {
		if log != nil {
			s.log = log
		}
	}
}

// NewRESTStore constructs a store talking to baseURL (scheme://host[:port]).
func NewRESTStore(baseURL string, opts ...RESTOption) *RESTStore {
	s := &RESTStore{
		client:   resty.New().SetBaseURL(strings.TrimRight(baseURL, "/")),
		log:      slog.Default(),
		pollWait: defaultPollWait,
		retryMin: defaultPollRetryMin,
		retryMax: defaultPollRetryMax,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	// Long polls must be able to outlast the server-side wait.
	s.client.
		SetLogger(restyLogger{log: s.log}).
		SetHeader("Accept", "application/json").
		SetTimeout(s.pollWait + 10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)

	return s
}

// restyLogger sends resty's internal logs to slog. Cancelled requests end every long
// poll on Disconnect, so they are logged at debug.
type restyLogger struct {
	log *slog.Logger
}

var _ resty.Logger = restyLogger{}

func (l restyLogger) Errorf(format string, v ...any) {
	msg := strings.TrimSpace(fmt.Sprintf(format, v...))
	level := slog.LevelWarn
	if strings.Contains(msg, context.Canceled.Error()) {
		level = slog.LevelDebug
	}
	l.log.Log(context.Background(), level, "chatclient.rest.client", "detail", msg)
}

func (l restyLogger) Warnf(format string, v ...any) {
	l.log.Warn("chatclient.rest.client", "detail", strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l restyLogger) Debugf(format string, v ...any) {
	l.log.Debug("chatclient.rest.client", "detail", strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s: %s", e.Status, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusNotFound
}

func (s *RESTStore) CreateConversation(ctx context.Context, c v1.Conversation) (v1.Conversation, error) {
	var out v1.ConversationView
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(c).
		SetResult(&out).
		SetError(&v1.APIError{}).
		Post(v1.PathConversations)
	if err := checkResponse(resp, err); err != nil {
		return v1.Conversation{}, err
	}
	return out.Conversation, nil
}

func (s *RESTStore) InsertMessage(ctx context.Context, m v1.NewMessage) (v1.Message, error) {
	var out v1.Message
	resp, err := s.client.R().
		SetContext(ctx).
		SetPathParam("id", m.ConversationID).
		SetBody(m).
		SetResult(&out).
		SetError(&v1.APIError{}).
		Post(v1.PathConversations + "/{id}/messages")
	if err := checkResponse(resp, err); err != nil {
		return v1.Message{}, err
	}
	return out, nil
}

func (s *RESTStore) ListMessages(ctx context.Context, conversationID string) ([]v1.Message, error) {
	out := []v1.Message{}
	after := int64(0)
	for {
		page, err := s.listPage(ctx, conversationID, after, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Messages...)
		if !page.HasMore || len(page.Messages) == 0 {
			return out, nil
		}
		after = page.Messages[len(page.Messages)-1].Seq
	}
}

// Subscribe starts a long-poll loop for f. Only changes after the call are delivered.
func (s *RESTStore) Subscribe(ctx context.Context, f v1.Filter) (Subscription, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	view, err := s.getConversation(ctx, f.ConversationID, time.Time{}, 0)
	if err != nil {
		return nil, err
	}
	if view == nil {
		return nil, &StatusError{Status: http.StatusNotFound, Code: v1.CodeNotFound}
	}

	pollCtx, cancel := context.WithCancel(ctx)
	sub := &restSubscription{
		ch:     make(chan v1.Change, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	switch f.Table {
	case v1.TableMessages:
		go sub.run(func() { s.pollMessages(pollCtx, sub, f.ConversationID, view.LastSeq) })
	default:
		go sub.run(func() { s.pollConversation(pollCtx, sub, f.ConversationID, view.UpdatedAt) })
	}
	return sub, nil
}

func (s *RESTStore) pollMessages(ctx context.Context, sub *restSubscription, conversationID string, after int64) {
	backoff := s.retryMin
	for ctx.Err() == nil {
		page, err := s.listPage(ctx, conversationID, after, s.pollWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("chatclient.rest.poll_fail", "table", v1.TableMessages, "conversation_id", conversationID, "err", err)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, s.retryMax)
			continue
		}
		backoff = s.retryMin

		for i := range page.Messages {
			m := page.Messages[i]
			if !sub.send(ctx, v1.Change{Table: v1.TableMessages, Op: v1.OpInsert, Message: &m}) {
				return
			}
			after = m.Seq
		}
	}
}

func (s *RESTStore) pollConversation(ctx context.Context, sub *restSubscription, conversationID string, since time.Time) {
	backoff := s.retryMin
	for ctx.Err() == nil {
		view, err := s.getConversation(ctx, conversationID, since, s.pollWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("chatclient.rest.poll_fail", "table", v1.TableConversations, "conversation_id", conversationID, "err", err)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, s.retryMax)
			continue
		}
		backoff = s.retryMin

		// nil: nothing changed within the wait.
		if view == nil {
			continue
		}
		since = view.UpdatedAt
		c := view.Conversation
		if !sub.send(ctx, v1.Change{Table: v1.TableConversations, Op: v1.OpUpdate, Conversation: &c}) {
			return
		}
	}
}

func (s *RESTStore) listPage(ctx context.Context, conversationID string, after int64, wait time.Duration) (v1.MessagePage, error) {
	var out v1.MessagePage
	req := s.client.R().
		SetContext(ctx).
		SetPathParam("id", conversationID).
		SetQueryParam("after_seq", strconv.FormatInt(after, 10)).
		SetQueryParam("limit", strconv.Itoa(listPageSize)).
		SetResult(&out).
		SetError(&v1.APIError{})
	if wait > 0 {
		req.SetQueryParam("wait", wait.String())
	}

	resp, err := req.Get(v1.PathConversations + "/{id}/messages")
	if err := checkResponse(resp, err); err != nil {
		return v1.MessagePage{}, err
	}
	return out, nil
}

// getConversation returns nil, nil when a long poll ends without a newer row.
func (s *RESTStore) getConversation(ctx context.Context, id string, updatedAfter time.Time, wait time.Duration) (*v1.ConversationView, error) {
	var out v1.ConversationView
	req := s.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		SetError(&v1.APIError{})
	if !updatedAfter.IsZero() {
		req.SetQueryParam("updated_after", updatedAfter.UTC().Format(time.RFC3339Nano))
	}
	if wait > 0 {
		req.SetQueryParam("wait", wait.String())
	}

	resp, err := req.Get(v1.PathConversations + "/{id}")
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNoContent {
		return nil, nil
	}
	return &out, nil
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.IsError() {
		return nil
	}

	se := &StatusError{Status: resp.StatusCode()}
	if apiErr, ok := resp.Error().(*v1.APIError); ok && apiErr != nil {
		se.Code = apiErr.Error.Code
		se.Message = apiErr.Error.Message
	}
	return se
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type restSubscription struct {
	ch     chan v1.Change
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *restSubscription) Changes() <-chan v1.Change { return s.ch }

// Close stops the poll loop and waits for it to exit.
func (s *restSubscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

func (s *restSubscription) run(loop func()) {
	defer close(s.done)
	defer close(s.ch)
	loop()
}

func (s *restSubscription) send(ctx context.Context, c v1.Change) bool {
	select {
	case s.ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
