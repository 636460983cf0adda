package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"taskman/internal/logging"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
	ErrNoIdentity   = errors.New("no federated identity")
)

const tokenBytes = 32

var DefaultIdentityHeaders = []string{"X-Auth-Request-User", "X-Auth-Request-Email", "X-Forwarded-User"}

// Identity is a caller identity asserted by the fronting proxy.
type Identity struct {
	Subject string
	Header  string
}

// Gatekeeper checks every request against the store's current credential,
// so a rotation made through any store handle takes effect on the next
// request. Token, Regenerate and ValidateBearer share one mutex, so a reader
// sees the old or the new token, never a mix.
type Gatekeeper struct {
	store   CredentialStore
	headers []string
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex
}

type Options struct {
	Store           CredentialStore
	IdentityHeaders []string
	Logger          *slog.Logger
	Now             func() time.Time
}

func NewGatekeeper(opts Options) (*Gatekeeper, error) {
	if opts.Store == nil {
		return nil, errors.New("credential store is required")
	}
	headers := make([]string, 0, len(opts.IdentityHeaders))
	for _, h := range opts.IdentityHeaders {
		if h = strings.TrimSpace(h); h != "" {
			headers = append(headers, http.CanonicalHeaderKey(h))
		}
	}
	if len(headers) == 0 {
		headers = append(headers, DefaultIdentityHeaders...)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gatekeeper{
		store:   opts.Store,
		headers: headers,
		logger:  opts.Logger.With("module", "auth"),
		now:     opts.Now,
	}, nil
}

// Token returns the active credential, issuing one on first use.
func (g *Gatekeeper) Token() (Credential, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentLocked()
}

// Regenerate replaces the credential. The old token stops validating as soon
// as this returns.
func (g *Gatekeeper) Regenerate(by Identity) (Credential, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, err := g.issueLocked()
	if err != nil {
		return Credential{}, err
	}
	g.logger.Info("api token regenerated", "by", by.Subject)
	return c, nil
}

// ValidateBearer checks an Authorization header value.
func (g *Gatekeeper) ValidateBearer(header string) error {
	presented, ok := parseBearer(header)
	if !ok {
		return ErrMissingToken
	}
	g.mu.Lock()
	c, err := g.currentLocked()
	g.mu.Unlock()
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(c.Token)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// FederatedIdentity returns the first non-empty configured identity header.
func (g *Gatekeeper) FederatedIdentity(r *http.Request) (Identity, bool) {
	for _, h := range g.headers {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return Identity{Subject: v, Header: h}, true
		}
	}
	return Identity{}, false
}

func (g *Gatekeeper) currentLocked() (Credential, error) {
	c, ok, err := g.store.Load()
	if err != nil {
		return Credential{}, err
	}
	if ok {
		return c, nil
	}
	c, err = g.issueLocked()
	if err != nil {
		return Credential{}, err
	}
	g.logger.Info("api token issued")
	return c, nil
}

func (g *Gatekeeper) issueLocked() (Credential, error) {
	token, err := newToken()
	if err != nil {
		return Credential{}, err
	}
	c := Credential{Token: token, CreatedAt: g.now().UTC()}
	if err := g.store.Replace(c); err != nil {
		return Credential{}, fmt.Errorf("store credential: %w", err)
	}
	return c, nil
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func parseBearer(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}
