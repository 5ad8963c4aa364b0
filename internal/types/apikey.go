package types

import "time"

// APIKey is one stored credential. Only the hash of the token is ever
// persisted; the plaintext exists once, at issuance.
type APIKey struct {
	KeyHash    string     `json:"keyHash"`
	UserID     string     `json:"userId"`
	ProjectID  string     `json:"projectId"`
	Scopes     []string   `json:"scopes,omitempty"`
	RateLimit  int        `json:"rateLimit,omitempty"` // requests per window; 0 means the server default
	CreatedAt  time.Time  `json:"createdAt"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil && !k.RevokedAt.IsZero()
}

// Expired reports whether the key is past its expiry at the given time.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.IsZero() && now.After(*k.ExpiresAt)
}

// Usable reports whether the key may authenticate a request right now.
func (k *APIKey) Usable(now time.Time) bool {
	return !k.Revoked() && !k.Expired(now)
}

// HasScope reports whether the key carries the scope. An empty scope list
// grants everything.
func (k *APIKey) HasScope(scope string) bool {
	if len(k.Scopes) == 0 {
		return true
	}
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
