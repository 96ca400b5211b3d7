package domain

import "time"

type UserID string

// Identity is the principal behind a connection. Anonymous identities are only
// produced when the relay runs in public mode.
type Identity struct {
	UserID    UserID
	Email     string
	Role      string
	Anonymous bool
	ClientIP  string
	ExpiresAt time.Time
}

// AnonymousIdentity returns the identity used for callers without a token.
func AnonymousIdentity(clientIP string) Identity {
	return Identity{Anonymous: true, ClientIP: clientIP}
}

// Key is the rate window key for this identity.
func (i Identity) Key() string {
	if i.Anonymous || i.UserID == "" {
		return "anon:" + i.ClientIP
	}
	return "user:" + string(i.UserID)
}

// DisplayID is what other room members see.
func (i Identity) DisplayID() string {
	if i.Anonymous || i.UserID == "" {
		return "anonymous"
	}
	return string(i.UserID)
}
