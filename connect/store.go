// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package connect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/carconnect/jwt"
)

// TokenStore holds at most one TokenSet per audience. It's safe for
// concurrent use; callers always get and put copies.
type TokenStore struct {
	verifier *jwt.Verifier

	mu     sync.RWMutex
	tokens map[Audience]*TokenSet
}

// NewTokenStore creates an empty TokenStore verifying tokens with v.
func NewTokenStore(v *jwt.Verifier) (*TokenStore, error) {
	const op = "NewTokenStore"
	if v == nil {
		return nil, fmt.Errorf("%s: verifier is nil: %w", op, ErrNilParameter)
	}
	return &TokenStore{
		verifier: v,
		tokens:   map[Audience]*TokenSet{},
	}, nil
}

// Put replaces the audience's TokenSet.
func (s *TokenStore) Put(aud Audience, ts *TokenSet) error {
	const op = "TokenStore.Put"
	switch {
	case !aud.Known():
		return fmt.Errorf("%s: unknown audience %q: %w", op, aud, ErrInvalidParameter)
	case ts == nil:
		return fmt.Errorf("%s: token set is nil: %w", op, ErrNilParameter)
	}
	cp := ts.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[aud] = cp
	return nil
}

// Get returns a copy of the audience's TokenSet.
func (s *TokenStore) Get(aud Audience) (*TokenSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tokens[aud]
	if !ok {
		return nil, false
	}
	return ts.Clone(), true
}

// Delete removes the audience's TokenSet.
func (s *TokenStore) Delete(aud Audience) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, aud)
}

// Clear removes every TokenSet.
func (s *TokenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = map[Audience]*TokenSet{}
}

// Audiences returns the audiences holding tokens.
func (s *TokenStore) Audiences() []Audience {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Audience, 0, len(s.tokens))
	for _, a := range Audiences() {
		if _, ok := s.tokens[a]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Valid reports whether the audience's access token exists and hasn't
// expired, honouring jwt.WithExpirySkew. The signature isn't checked.
func (s *TokenStore) Valid(aud Audience, opt ...jwt.Option) (time.Time, bool) {
	ts, ok := s.Get(aud)
	if !ok {
		return time.Time{}, false
	}
	return jwt.ValidUntil(string(ts.AccessToken), opt...)
}

// Verify checks the token's signature. See jwt.Verifier.Verify.
func (s *TokenStore) Verify(ctx context.Context, token string) (jwt.Status, error) {
	return s.verifier.Verify(ctx, token)
}
