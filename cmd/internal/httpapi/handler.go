// Package httpapi serves the hosted-store REST API: conversation and message rows
// plus long-poll reads that stand in for a realtime channel when the socket is
// unavailable.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"leazr/cmd/internal/agentauth"
	"leazr/cmd/internal/store"
	v1 "leazr/shared/contracts/livechat/v1"

	"github.com/go-chi/chi/v5"
)

// TokenVerifier checks agent bearer tokens.
type TokenVerifier interface {
	Verify(token string, now time.Time) (agentauth.Claims, error)
}

// Handler wires the API routes to a Store.
type Handler struct {
	log      *slog.Logger
	store    store.Store
	verifier TokenVerifier
	cfg      Config
	now      func() time.Time
}

// NewHandler constructs a Handler. A nil verifier accepts agent requests unverified.
func NewHandler(log *slog.Logger, st store.Store, cfg Config, verifier TokenVerifier) *Handler {
	if log == nil {
		log = slog.Default()
	}
	d := DefaultConfig()
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = d.MaxBodyBytes
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = d.MaxWait
	}
	return &Handler{
		log:      log,
		store:    st,
		verifier: verifier,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register mounts the conversation routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Route(v1.PathConversations, func(r chi.Router) {
		r.Post("/", h.handleCreateConversation)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetConversation)
			r.Patch("/", h.handleUpdateConversation)
			r.Get("/messages", h.handleListMessages)
			r.Post("/messages", h.handleInsertMessage)
		})
	})
}

// ---- handlers ----

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req v1.Conversation
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, v1.CodeInvalidInput, "invalid request body")
		return
	}

	// Only agents move a conversation out of waiting.
	req.Status = v1.StatusWaiting

	res, err := h.store.CreateConversation(r.Context(), req)
	if err != nil {
		h.writeStoreError(w, "api.conversation.create", err)
		return
	}

	view, err := h.view(r.Context(), res.Conversation)
	if err != nil {
		h.writeStoreError(w, "api.conversation.create", err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
		h.log.Info("api.conversation.created", "conversation_id", view.ID, "company_id", view.CompanyID)
	}
	writeJSON(w, status, view)
}

// handleGetConversation returns the row, or long-polls until it is updated after
// updated_after. A wait that ends without a newer row answers 204.
func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var since time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("updated_after")); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, v1.CodeInvalidInput, "invalid updated_after")
			return
		}
		since = t
	}
	wait, ok := h.parseWait(w, r)
	if !ok {
		return
	}

	ctx := r.Context()

	var sub *store.Subscription
	if !since.IsZero() && wait > 0 {
		// Subscribe before reading so an update between the two is not lost.
		s, err := h.store.Subscribe(ctx, v1.ConversationUpdates(id))
		if err != nil {
			h.writeStoreError(w, "api.conversation.get", err)
			return
		}
		defer s.Close()
		sub = s
	}

	conv, err := h.store.GetConversation(ctx, id)
	if err != nil {
		h.writeStoreError(w, "api.conversation.get", err)
		return
	}

	if since.IsZero() || conv.UpdatedAt.After(since) {
		h.writeView(ctx, w, conv)
		return
	}
	if sub == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			w.WriteHeader(http.StatusNoContent)
			return
		case c, ok := <-sub.Changes():
			if !ok {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if c.Conversation != nil && c.Conversation.UpdatedAt.After(since) {
				h.writeView(ctx, w, *c.Conversation)
				return
			}
		}
	}
}

func (h *Handler) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	var req v1.StatusUpdate
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, v1.CodeInvalidInput, "invalid request body")
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, v1.CodeInvalidInput, "invalid status")
		return
	}

	conv, err := h.store.GetConversation(ctx, id)
	if err != nil {
		h.writeStoreError(w, "api.conversation.update", err)
		return
	}

	claims, ok := h.requireAgent(w, r, conv.CompanyID)
	if !ok {
		return
	}

	updated, err := h.store.UpdateConversationStatus(ctx, id, req.Status)
	if err != nil {
		h.writeStoreError(w, "api.conversation.update", err)
		return
	}

	h.log.Info("api.conversation.status", "conversation_id", id, "status", updated.Status, "agent_id", claims.AgentID)
	h.writeView(ctx, w, updated)
}

// handleListMessages returns one page after after_seq. With wait set and nothing to
// return, it blocks until a message arrives or the wait elapses.
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()

	in := store.ListMessagesInput{ConversationID: id}
	if raw := strings.TrimSpace(q.Get("after_seq")); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			writeError(w, http.StatusBadRequest, v1.CodeInvalidInput, "invalid after_seq")
			return
		}
		in.AfterSeq = &after
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, v1.CodeInvalidInput, "invalid limit")
			return
		}
		in.Limit = limit
	}
	wait, ok := h.parseWait(w, r)
	if !ok {
		return
	}

	ctx := r.Context()

	if _, err := h.store.GetConversation(ctx, id); err != nil {
		h.writeStoreError(w, "api.messages.list", err)
		return
	}

	var sub *store.Subscription
	if wait > 0 {
		s, err := h.store.Subscribe(ctx, v1.MessageInserts(id))
		if err != nil {
			h.writeStoreError(w, "api.messages.list", err)
			return
		}
		defer s.Close()
		sub = s
	}

	res, err := h.store.ListMessages(ctx, in)
	if err != nil {
		h.writeStoreError(w, "api.messages.list", err)
		return
	}

	if len(res.Messages) == 0 && sub != nil {
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case _, ok := <-sub.Changes():
			if ok {
				if res, err = h.store.ListMessages(ctx, in); err != nil {
					h.writeStoreError(w, "api.messages.list", err)
					return
				}
			}
		}
	}

	page := v1.MessagePage{Messages: res.Messages, HasMore: res.HasMore}
	if page.Messages == nil {
		page.Messages = []v1.Message{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleInsertMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	var req v1.NewMessage
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, v1.CodeInvalidInput, "invalid request body")
		return
	}
	if req.ConversationID != "" && req.ConversationID != id {
		writeError(w, http.StatusBadRequest, v1.CodeInvalidInput, "conversation_id does not match path")
		return
	}
	req.ConversationID = id

	conv, err := h.store.GetConversation(ctx, id)
	if err != nil {
		h.writeStoreError(w, "api.messages.insert", err)
		return
	}
	if conv.Status == v1.StatusClosed {
		writeError(w, http.StatusConflict, v1.CodeConflict, "conversation is closed")
		return
	}

	if req.SenderType == v1.SenderAgent {
		claims, ok := h.requireAgent(w, r, conv.CompanyID)
		if !ok {
			return
		}
		if h.verifier != nil && claims.AgentID != req.SenderID {
			writeError(w, http.StatusForbidden, v1.CodeForbidden, "sender_id does not match token")
			return
		}
	}

	res, err := h.store.InsertMessage(ctx, store.InsertMessageInput{NewMessage: req, Now: h.now()})
	if err != nil {
		h.writeStoreError(w, "api.messages.insert", err)
		return
	}

	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, res.Message)
}

// ---- helpers ----

func (h *Handler) parseWait(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("wait"))
	if raw == "" {
		return 0, true
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		writeError(w, http.StatusBadRequest, v1.CodeInvalidInput, "invalid wait")
		return 0, false
	}
	return min(d, h.cfg.MaxWait), true
}

// requireAgent checks the bearer token against companyID. Without a verifier every
// request passes with empty claims.
func (h *Handler) requireAgent(w http.ResponseWriter, r *http.Request, companyID string) (agentauth.Claims, bool) {
	if h.verifier == nil {
		h.log.Warn("api.agent.unverified", "path", r.URL.Path)
		return agentauth.Claims{}, true
	}

	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, v1.CodeUnauthorized, "missing bearer token")
		return agentauth.Claims{}, false
	}
	claims, err := h.verifier.Verify(token, h.now())
	if err != nil {
		writeError(w, http.StatusUnauthorized, v1.CodeUnauthorized, "invalid token")
		return agentauth.Claims{}, false
	}
	if claims.CompanyID != companyID {
		writeError(w, http.StatusForbidden, v1.CodeForbidden, "conversation belongs to another company")
		return agentauth.Claims{}, false
	}
	return claims, true
}

func bearerToken(r *http.Request) (string, bool) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (h *Handler) view(ctx context.Context, c v1.Conversation) (v1.ConversationView, error) {
	seq, err := h.store.LastSeq(ctx, c.ID)
	if err != nil {
		return v1.ConversationView{}, err
	}
	return v1.ConversationView{Conversation: c, LastSeq: seq}, nil
}

func (h *Handler) writeView(ctx context.Context, w http.ResponseWriter, c v1.Conversation) {
	view, err := h.view(ctx, c)
	if err != nil {
		h.writeStoreError(w, "api.conversation.view", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) writeStoreError(w http.ResponseWriter, op string, err error) {
	var opErr store.OpError
	msg := err.Error()
	if errors.As(err, &opErr) && opErr.Msg != "" {
		msg = opErr.Msg
	}

	switch {
	case store.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, v1.CodeInvalidInput, msg)
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, v1.CodeNotFound, msg)
	case store.IsConflict(err):
		writeError(w, http.StatusConflict, v1.CodeConflict, msg)
	case errors.Is(err, context.Canceled):
		// Client went away; nothing to write.
	default:
		h.log.Error(op+".fail", "err", err)
		writeError(w, http.StatusInternalServerError, v1.CodeInternal, "internal error")
	}
}
