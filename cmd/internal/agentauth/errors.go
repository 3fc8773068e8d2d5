package agentauth

import "errors"

var (
	// ErrConfig is returned when keys or durations are missing or malformed.
	ErrConfig = errors.New("agentauth: invalid config")

	// ErrInvalidToken is returned for any token that fails parsing or claim checks.
	ErrInvalidToken = errors.New("agentauth: invalid token")
)
