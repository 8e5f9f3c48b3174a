package actor

import (
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

// Issuer mints HS256 credentials of each kind. Used by kilnctl and tests.
type Issuer struct {
	signKey []byte
	now     func() time.Time
}

// NewIssuer constructs an Issuer.
func NewIssuer(signKey []byte) *Issuer {
	return &Issuer{signKey: signKey, now: time.Now}
}

// WithNow overrides the issuing clock.
func (i *Issuer) WithNow(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Session mints a direct-session token.
func (i *Issuer) Session(uid string, staff bool, ttl time.Duration) (string, error) {
	c := i.base(uid, ttl)
	c.Kind = KindSession
	c.Staff = staff
	return i.sign(c)
}

// Personal mints a personal token with an explicit scope set.
func (i *Issuer) Personal(uid string, scopes []string, ttl time.Duration) (string, error) {
	c := i.base(uid, ttl)
	c.Kind = KindPersonal
	c.Scopes = scopes
	return i.sign(c)
}

// DelegatedToken mints an agent token bound to a delegation record.
func (i *Issuer) DelegatedToken(uid, agentClientID, delegationID, audience string, scopes []string, ttl time.Duration) (string, error) {
	c := i.base(uid, ttl)
	c.Kind = KindDelegated
	c.AgentClientID = agentClientID
	c.DelegationID = delegationID
	c.Scopes = scopes
	if audience != "" {
		c.Audience = jwt.ClaimStrings{audience}
	}
	c.Nonce = uuid.Must(uuid.NewV4()).String()
	return i.sign(c)
}

func (i *Issuer) base(uid string, ttl time.Duration) *Claims {
	now := i.now()
	return &Claims{RegisteredClaims: jwt.RegisteredClaims{
		ID:        uuid.Must(uuid.NewV4()).String(),
		Subject:   uid,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
}

func (i *Issuer) sign(c *Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.signKey)
}
