package v1

// REST paths of the hosted-store API.
const (
	PathConversations = "/api/v1/conversations"
)

// ConversationView is a conversation plus the highest seq allocated in it.
type ConversationView struct {
	Conversation
	LastSeq int64 `json:"last_seq"`
}

// MessagePage is one window of a conversation history.
type MessagePage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// StatusUpdate is the PATCH body of a conversation.
type StatusUpdate struct {
	Status ConversationStatus `json:"status"`
}

// APIError is the error body of every non-2xx response.
type APIError struct {
	Error APIErrorBody `json:"error"`
}

// APIErrorBody carries a stable code and a human-readable message.
type APIErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// API error codes.
const (
	CodeInvalidInput = "invalid_input"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeInternal     = "internal"
)
