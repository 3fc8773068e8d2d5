package agentauth

import (
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// Claims identify an agent acting for one company.
type Claims struct {
	AgentID   string
	CompanyID string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// Verifier checks agent tokens.
type Verifier struct {
	issuer    string
	clockSkew time.Duration
	public    paseto.V4AsymmetricPublicKey
}

// NewVerifier builds a Verifier from the public key, or from the secret key when no
// public key is configured.
func NewVerifier(cfg Config) (*Verifier, error) {
	var (
		public paseto.V4AsymmetricPublicKey
		err    error
	)
	switch {
	case cfg.PublicKeyHex != "":
		public, err = paseto.NewV4AsymmetricPublicKeyFromHex(cfg.PublicKeyHex)
	case cfg.SecretKeyHex != "":
		var secret paseto.V4AsymmetricSecretKey
		secret, err = paseto.NewV4AsymmetricSecretKeyFromHex(cfg.SecretKeyHex)
		public = secret.Public()
	default:
		return nil, ErrConfig
	}
	if err != nil {
		return nil, ErrConfig
	}

	return &Verifier{issuer: cfg.Issuer, clockSkew: cfg.ClockSkew, public: public}, nil
}

// Verify parses token and checks issuer, validity window and required claims.
func (v *Verifier) Verify(token string, now time.Time) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalidToken
	}

	// Validate slightly in the future so a fresh token from a fast clock passes "nbf".
	validNow := now.Add(v.clockSkew)

	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(v.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(v.public, token, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	iss, _ := parsed.GetIssuer()
	exp, _ := parsed.GetExpiration()
	iat, _ := parsed.GetIssuedAt()

	aid, err := parsed.GetString("aid")
	if err != nil || aid == "" {
		return Claims{}, ErrInvalidToken
	}
	cid, err := parsed.GetString("cid")
	if err != nil || cid == "" {
		return Claims{}, ErrInvalidToken
	}

	return Claims{
		AgentID:   aid,
		CompanyID: cid,
		ExpiresAt: exp,
		IssuedAt:  iat,
		Issuer:    iss,
	}, nil
}

// Signer issues agent tokens.
type Signer struct {
	issuer string
	ttl    time.Duration
	secret paseto.V4AsymmetricSecretKey
}

// NewSigner builds a Signer from the secret key.
func NewSigner(cfg Config) (*Signer, error) {
	if cfg.SecretKeyHex == "" || cfg.TokenTTL <= 0 {
		return nil, ErrConfig
	}
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.SecretKeyHex)
	if err != nil {
		return nil, ErrConfig
	}
	return &Signer{issuer: cfg.Issuer, ttl: cfg.TokenTTL, secret: secret}, nil
}

// Issue returns a signed token for agentID in companyID and its expiry.
func (s *Signer) Issue(agentID, companyID string, now time.Time) (string, time.Time, error) {
	agentID = strings.TrimSpace(agentID)
	companyID = strings.TrimSpace(companyID)
	if agentID == "" || companyID == "" {
		return "", time.Time{}, ErrInvalidToken
	}

	exp := now.Add(s.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(s.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	_ = tok.Set("aid", agentID)
	_ = tok.Set("cid", companyID)

	return tok.V4Sign(s.secret, nil), exp, nil
}

// PublicKeyHex returns the verification key for this signer.
func (s *Signer) PublicKeyHex() string {
	return s.secret.Public().ExportHex()
}

// GenerateSecretKeyHex returns a fresh Ed25519 secret key, hex encoded.
func GenerateSecretKeyHex() string {
	return paseto.NewV4AsymmetricSecretKey().ExportHex()
}
