// Package main provides a CI-friendly smoke test for the live chat server.
//
// It drives two transport facades against a running server and validates:
//   - visitor conversation creation over the socket (join -> joined)
//   - agent attach over the REST long-poll fallback
//   - visitor -> agent and agent -> visitor delivery across transports
//   - ordered history with strictly increasing seq
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"leazr/shared/chatclient"
	v1 "leazr/shared/contracts/livechat/v1"
)

func main() {
	var (
		wsURL      = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL     = flag.String("api", "http://127.0.0.1:8080", "REST base URL for the fallback transport")
		origin     = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		company    = flag.String("company", "smoke-company", "Company id")
		agentID    = flag.String("agent", "smoke-agent", "Agent id")
		agentToken = flag.String("agent-token", os.Getenv("LIVECHAT_AGENT_TOKEN"), "Agent bearer token (see cmd/agent-token)")
		text       = flag.String("text", "hello leazr 👋", "Message text to send")
		timeout    = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	var logOut io.Writer = io.Discard
	if *verbose {
		logOut = os.Stderr
	}
	log := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))

	root := context.Background()

	visitor := mustFacade(chatclient.Config{
		CompanyID: *company,
		SocketURL: *wsURL,
		Origin:    *origin,
		Logger:    log.With("client", "visitor"),
	}, *apiURL, "", log)
	defer visitor.Disconnect()

	agent := mustFacade(chatclient.Config{
		CompanyID:  *company,
		AgentID:    *agentID,
		AgentToken: *agentToken,
		Logger:     log.With("client", "agent"),
	}, *apiURL, *agentToken, log)
	defer agent.Disconnect()

	ctx, cancel := context.WithTimeout(root, *timeout)
	convID, err := visitor.CreateConversation(ctx, "Smoke Visitor", "smoke@example.com")
	cancel()
	if err != nil {
		fatalf("create conversation: %v", err)
	}
	waitFor("visitor socket joined", *timeout, func() bool {
		s := visitor.Snapshot()
		return s.Connected && s.Transport == chatclient.TransportSocket
	})

	ctx, cancel = context.WithTimeout(root, *timeout)
	err = agent.Connect(ctx, convID, "", "")
	cancel()
	if err != nil {
		fatalf("agent connect: %v", err)
	}

	mustSend(root, visitor, convID, *text, "Smoke Visitor", v1.SenderVisitor, *timeout)
	waitFor("agent receives visitor message", *timeout, func() bool {
		return hasMessage(agent.State().Messages(convID), *text, v1.SenderVisitor)
	})

	reply := "reply: " + *text
	mustSend(root, agent, convID, reply, "Smoke Agent", v1.SenderAgent, *timeout)
	waitFor("visitor receives agent reply", *timeout, func() bool {
		return hasMessage(visitor.State().Messages(convID), reply, v1.SenderAgent)
	})

	ctx, cancel = context.WithTimeout(root, *timeout)
	history, err := agent.LoadMessages(ctx, convID)
	cancel()
	if err != nil {
		fatalf("load history: %v", err)
	}
	if len(history) != 2 {
		fatalf("history: expected 2 messages, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		if history[i].Seq <= history[i-1].Seq {
			fatalf("history: seq not increasing at %d: %d <= %d", i, history[i].Seq, history[i-1].Seq)
		}
	}

	fmt.Printf("OK: conv_id=%s visitor=%s agent=%s last_seq=%d\n",
		convID, visitor.Transport(), agent.Transport(), history[len(history)-1].Seq)
}

func mustFacade(cfg chatclient.Config, apiURL, token string, log *slog.Logger) *chatclient.Facade {
	opts := []chatclient.RESTOption{chatclient.WithRESTLogger(log)}
	if token != "" {
		opts = append(opts, chatclient.WithBearerToken(token))
	}
	f, err := chatclient.New(cfg, chatclient.NewRESTStore(apiURL, opts...))
	if err != nil {
		fatalf("new facade: %v", err)
	}
	return f
}

func mustSend(parent context.Context, f *chatclient.Facade, convID, text, name string, sender v1.SenderType, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := f.SendMessage(ctx, convID, text, name, sender); err != nil {
		fatalf("send (%s): %v", sender, err)
	}
}

func hasMessage(msgs []v1.Message, text string, sender v1.SenderType) bool {
	for _, m := range msgs {
		if m.Message == text && m.SenderType == sender && m.Seq > 0 {
			return true
		}
	}
	return false
}

func waitFor(step string, timeout time.Duration, cond func() bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	fatalf("timeout: %s", step)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
