package actor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/kilnkeeper/internal/errs"
)

// Token kinds carried in the "typ" claim.
const (
	KindSession   = "session"
	KindPersonal  = "pat"
	KindDelegated = "delegated"
)

// Claims is the JWT payload shared by all three credential kinds.
type Claims struct {
	jwt.RegisteredClaims
	Kind          string   `json:"typ"`
	Staff         bool     `json:"staff,omitempty"`
	Scopes        []string `json:"scopes,omitempty"`
	AgentClientID string   `json:"azp,omitempty"`
	DelegationID  string   `json:"did,omitempty"`
	Nonce         string   `json:"nonce,omitempty"`
}

// Resolver parses credentials. It never consults storage.
type Resolver struct {
	signKey  []byte
	audience string
	now      func() time.Time
}

// NewResolver constructs a Resolver. audience, if set, must appear in delegated tokens.
func NewResolver(signKey []byte, audience string) *Resolver {
	return &Resolver{signKey: signKey, audience: audience, now: time.Now}
}

// WithNow overrides the validation clock.
func (r *Resolver) WithNow(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve classifies the authorization value ("Bearer <jwt>").
// An empty credential yields (nil, nil): an anonymous caller.
func (r *Resolver) Resolve(authorization string) (Actor, error) {
	if strings.TrimSpace(authorization) == "" {
		return nil, nil
	}
	tok, ok := bearerToken(authorization)
	if !ok {
		return nil, fmt.Errorf("%w: malformed authorization", errs.ErrUnauthorized)
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return r.signKey, nil
	}, jwt.WithTimeFunc(r.now), jwt.WithLeeway(30*time.Second))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid token", errs.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", errs.ErrUnauthorized)
	}

	switch claims.Kind {
	case KindSession:
		return &Direct{Subject: claims.Subject, Staff: claims.Staff}, nil
	case KindPersonal:
		return &PersonalToken{Subject: claims.Subject, TokenID: claims.ID, Scopes: claims.Scopes}, nil
	case KindDelegated:
		return r.delegated(&claims)
	default:
		return nil, fmt.Errorf("%w: unknown token kind %q", errs.ErrUnauthorized, claims.Kind)
	}
}

func (r *Resolver) delegated(c *Claims) (Actor, error) {
	if c.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: delegated token without exp", errs.ErrUnauthorized)
	}
	if c.AgentClientID == "" || c.DelegationID == "" {
		return nil, fmt.Errorf("%w: delegated token without azp/did", errs.ErrUnauthorized)
	}
	var aud string
	if len(c.Audience) > 0 {
		aud = c.Audience[0]
	}
	if r.audience != "" {
		found := false
		for _, a := range c.Audience {
			if a == r.audience {
				found, aud = true, a
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: audience mismatch", errs.ErrUnauthorized)
		}
	}
	return &Delegated{
		Subject:       c.Subject,
		AgentClientID: c.AgentClientID,
		DelegationID:  c.DelegationID,
		Audience:      aud,
		ExpiresAtMs:   c.ExpiresAt.UnixMilli(),
		Nonce:         c.Nonce,
		Scopes:        c.Scopes,
	}, nil
}

func bearerToken(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
		t := strings.TrimSpace(v[7:])
		if t != "" {
			return t, true
		}
	}
	return "", false
}
