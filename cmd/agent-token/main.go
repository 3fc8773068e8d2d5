// Command agent-token mints agent access tokens for local development and support tooling.
//
//	agent-token -gen-key                     print a fresh key pair
//	agent-token -agent a-1 -company c-1      print a token signed with $LIVECHAT_AGENT_SECRET_KEY_HEX
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"leazr/cmd/internal/agentauth"
	"leazr/cmd/internal/app"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, time.Now().UTC()); err != nil {
		fmt.Fprintln(os.Stderr, "agent-token:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer, now time.Time) error {
	if err := app.LoadDotEnv(); err != nil {
		return err
	}

	fs := flag.NewFlagSet("agent-token", flag.ContinueOnError)
	var (
		genKey    = fs.Bool("gen-key", false, "print a new secret/public key pair and exit")
		agentID   = fs.String("agent", "", "agent id (aid claim)")
		companyID = fs.String("company", "", "company id (cid claim)")
		ttl       = fs.Duration("ttl", 0, "token lifetime (default $LIVECHAT_AGENT_TOKEN_TTL or 12h)")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *genKey {
		secret := agentauth.GenerateSecretKeyHex()
		signer, err := agentauth.NewSigner(agentauth.Config{SecretKeyHex: secret, Issuer: "leazr", TokenTTL: time.Hour})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "LIVECHAT_AGENT_SECRET_KEY_HEX=%s\nLIVECHAT_AGENT_PUBLIC_KEY_HEX=%s\n", secret, signer.PublicKeyHex())
		return err
	}

	if *agentID == "" || *companyID == "" {
		return errors.New("-agent and -company are required")
	}

	cfg, err := agentauth.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	if *ttl > 0 {
		cfg.TokenTTL = *ttl
	}

	signer, err := agentauth.NewSigner(cfg)
	if err != nil {
		return fmt.Errorf("signer (is LIVECHAT_AGENT_SECRET_KEY_HEX set?): %w", err)
	}

	token, exp, err := signer.Issue(*agentID, *companyID, now)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n# expires %s\n", token, exp.Format(time.RFC3339))
	return err
}
