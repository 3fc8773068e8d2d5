package httpapi

import "time"

// Config controls request limits of the hosted-store API.
type Config struct {
	// MaxBodyBytes bounds JSON request bodies.
	MaxBodyBytes int64

	// MaxWait caps the long-poll wait a client may ask for.
	MaxWait time.Duration
}

// DefaultConfig returns the API defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes: 64 << 10,
		MaxWait:      30 * time.Second,
	}
}
