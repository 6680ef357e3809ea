package loopback

import "crypto/subtle"

// TokenAuth accepts Identify and Resume tokens from a static list.
type TokenAuth struct {
	tokens [][]byte
}

// NewTokenAuth builds an authenticator. With no tokens every token is
// accepted.
func NewTokenAuth(tokens ...string) *TokenAuth {
	a := &TokenAuth{tokens: make([][]byte, len(tokens))}
	for i, t := range tokens {
		a.tokens[i] = []byte(t)
	}
	return a
}

// Allow reports whether token is accepted. Comparison is constant-time.
func (a *TokenAuth) Allow(token string) bool {
	if len(a.tokens) == 0 {
		return true
	}
	b := []byte(token)
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare(b, t) == 1 {
			return true
		}
	}
	return false
}
