// Package actor classifies inbound credentials into one of three actor modes.
//
// Actor is a closed union: Direct, PersonalToken and Delegated are the only
// implementations. Callers switch on the concrete type; a nil Actor is an
// anonymous call.
package actor

// Mode names an actor kind as written to audit events.
type Mode string

// Actor modes.
const (
	ModeAnonymous     Mode = "anonymous"
	ModeDirect        Mode = "direct"
	ModePersonalToken Mode = "personal_token"
	ModeDelegated     Mode = "delegated"
)

// Actor is the per-call identity rebuilt from the credential.
type Actor interface {
	Mode() Mode
	// UID is the human owner the call claims to act for.
	UID() string
	sealed()
}

// Direct is an authenticated human session.
type Direct struct {
	Subject string
	Staff   bool
}

// PersonalToken is a long-lived token bound 1:1 to its owner.
type PersonalToken struct {
	Subject string
	TokenID string
	Scopes  []string
}

// Delegated is a short-lived agent token issued under a delegation record.
type Delegated struct {
	Subject       string
	AgentClientID string
	DelegationID  string
	Audience      string
	ExpiresAtMs   int64
	Nonce         string
	Scopes        []string
}

func (*Direct) Mode() Mode        { return ModeDirect }
func (*PersonalToken) Mode() Mode { return ModePersonalToken }
func (*Delegated) Mode() Mode     { return ModeDelegated }

func (a *Direct) UID() string        { return a.Subject }
func (a *PersonalToken) UID() string { return a.Subject }
func (a *Delegated) UID() string     { return a.Subject }

func (*Direct) sealed()        {}
func (*PersonalToken) sealed() {}
func (*Delegated) sealed()     {}

// ModeOf returns the mode of a, or ModeAnonymous for nil.
func ModeOf(a Actor) Mode {
	if a == nil {
		return ModeAnonymous
	}
	return a.Mode()
}

// UIDOf returns the uid of a, or "" for nil.
func UIDOf(a Actor) string {
	if a == nil {
		return ""
	}
	return a.UID()
}

// IsStaff reports whether a is a direct session with the staff flag.
func IsStaff(a Actor) bool {
	d, ok := a.(*Direct)
	return ok && d.Staff
}

// HasScope reports whether scopes contains required.
func HasScope(scopes []string, required string) bool {
	for _, s := range scopes {
		if s == required {
			return true
		}
	}
	return false
}
