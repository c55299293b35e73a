// Package auth establishes player identity for session connections from
// HS256 signed bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/decred/slog"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrTokenExpired    = errors.New("token expired")
)

// Identity is the authenticated caller.
type Identity struct {
	PlayerID string
	// Address is the custody address of the player's vault position.
	Address string
	Admin   bool
}

type claims struct {
	jwt.RegisteredClaims
	Address string `json:"addr,omitempty"`
	Admin   bool   `json:"admin,omitempty"`
}

// Config configures an Authenticator.
type Config struct {
	Secret []byte
	Issuer string
	Log    slog.Logger
	Now    func() time.Time
}

// Authenticator issues and verifies player tokens.
type Authenticator struct {
	secret []byte
	issuer string
	log    slog.Logger
	now    func() time.Time
}

// New returns an authenticator. The secret must be at least 32 bytes.
func New(cfg Config) (*Authenticator, error) {
	if len(cfg.Secret) < 32 {
		return nil, errors.New("auth secret must be at least 32 bytes")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("auth issuer is required")
	}
	a := &Authenticator{
		secret: cfg.Secret,
		issuer: cfg.Issuer,
		log:    cfg.Log,
		now:    cfg.Now,
	}
	if a.log == nil {
		a.log = slog.Disabled
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// Issue signs a token for id valid for ttl.
func (a *Authenticator) Issue(id Identity, ttl time.Duration) (string, error) {
	if id.PlayerID == "" {
		return "", errors.New("player id is required")
	}
	now := a.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    a.issuer,
			Subject:   id.PlayerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Address: id.Address,
		Admin:   id.Admin,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
}

// Verify checks token and returns the identity it carries.
func (a *Authenticator) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if c.Issuer != a.issuer {
		return Identity{}, fmt.Errorf("%w: issuer mismatch", ErrUnauthenticated)
	}
	if c.Subject == "" {
		return Identity{}, fmt.Errorf("%w: subject is required", ErrUnauthenticated)
	}
	if c.ExpiresAt == nil {
		return Identity{}, fmt.Errorf("%w: exp is required", ErrUnauthenticated)
	}
	if !c.ExpiresAt.Time.After(a.now()) {
		return Identity{}, ErrTokenExpired
	}
	addr := c.Address
	if addr == "" {
		addr = c.Subject
	}
	return Identity{PlayerID: c.Subject, Address: addr, Admin: c.Admin}, nil
}

// Authenticate reads the bearer token of r. Browsers cannot set headers on a
// websocket upgrade, so the token query parameter is accepted too.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, rest, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			return Identity{}, fmt.Errorf("%w: unsupported authorization scheme", ErrUnauthenticated)
		}
		token = rest
	}
	id, err := a.Verify(token)
	if err != nil {
		a.log.Debugf("Rejected connection from %s: %v", r.RemoteAddr, err)
		return Identity{}, err
	}
	return id, nil
}
