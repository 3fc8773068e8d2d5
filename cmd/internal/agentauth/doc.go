// Package agentauth issues and verifies agent tokens for the live chat.
//
// Agent tokens are PASETO v4.public tokens carrying the agent id ("aid") and the
// company id ("cid"). The chat server only holds the public key; tokens are minted by
// the back office (or cmd/agent-token in development) with the secret key.
package agentauth
