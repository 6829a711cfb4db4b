// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package connect

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/carconnect/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *TokenStore {
	t.Helper()
	v, err := jwt.NewVerifier(jwt.NewKeyCache(), "https://identity.example.com/keys", "https://service.example.com/keys", []string{DefaultClientID})
	require.NoError(t, err)
	s, err := NewTokenStore(v)
	require.NoError(t, err)
	return s
}

func TestNewTokenStore(t *testing.T) {
	t.Parallel()
	_, err := NewTokenStore(nil)
	require.Error(t, err)
	assert.Truef(t, errors.Is(err, ErrNilParameter), "wanted \"%s\" but got \"%s\"", ErrNilParameter, err)
}

func TestTokenStore_Put(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		aud       Audience
		ts        *TokenSet
		wantIsErr error
	}{
		{name: "primary", aud: AudiencePrimary, ts: &TokenSet{AccessToken: "a"}},
		{name: "service", aud: AudienceService, ts: &TokenSet{AccessToken: "a"}},
		{name: "unknown-audience", aud: Audience("dealer"), ts: &TokenSet{AccessToken: "a"}, wantIsErr: ErrInvalidParameter},
		{name: "nil-set", aud: AudiencePrimary, wantIsErr: ErrNilParameter},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			s := testStore(t)
			err := s.Put(tt.aud, tt.ts)
			if tt.wantIsErr != nil {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted \"%s\" but got \"%s\"", tt.wantIsErr, err)
				assert.Empty(s.Audiences())
				return
			}
			require.NoError(err)
			got, ok := s.Get(tt.aud)
			require.True(ok)
			assert.Equal(tt.ts, got)
		})
	}
}

func TestTokenStore_copies(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	s := testStore(t)
	in := &TokenSet{AccessToken: "a", Raw: map[string]interface{}{"access_token": "a"}}
	require.NoError(s.Put(AudiencePrimary, in))

	in.AccessToken = "changed"
	in.Raw["access_token"] = "changed"
	got, ok := s.Get(AudiencePrimary)
	require.True(ok)
	assert.Equal(AccessToken("a"), got.AccessToken)
	assert.Equal("a", got.Raw["access_token"])

	got.AccessToken = "changed"
	again, _ := s.Get(AudiencePrimary)
	assert.Equal(AccessToken("a"), again.AccessToken)
}

func TestTokenStore_lifecycle(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	s := testStore(t)
	_, ok := s.Get(AudiencePrimary)
	assert.False(ok)

	require.NoError(s.Put(AudienceService, &TokenSet{AccessToken: "s"}))
	require.NoError(s.Put(AudiencePrimary, &TokenSet{AccessToken: "p"}))
	assert.Equal([]Audience{AudiencePrimary, AudienceService}, s.Audiences())

	s.Delete(AudienceService)
	assert.Equal([]Audience{AudiencePrimary}, s.Audiences())
	s.Delete(AudienceService)

	s.Clear()
	assert.Empty(s.Audiences())
}

func TestTokenStore_Valid(t *testing.T) {
	t.Parallel()
	key := jwt.TestGenerateKey(t)
	valid := jwt.TestSignJWT(t, key, "kid", jwt.TestClaims("aud", time.Hour), nil)
	expiring := jwt.TestSignJWT(t, key, "kid", jwt.TestClaims("aud", 30*time.Second), nil)
	expired := jwt.TestSignJWT(t, key, "kid", jwt.TestClaims("aud", -time.Minute), nil)

	tests := []struct {
		name  string
		token string
		opts  []jwt.Option
		want  bool
	}{
		{name: "valid", token: valid, want: true},
		{name: "expiring", token: expiring, want: true},
		{name: "expiring-with-skew", token: expiring, opts: []jwt.Option{jwt.WithExpirySkew(time.Minute)}},
		{name: "expired", token: expired},
		{name: "opaque", token: "not-a-jwt"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := testStore(t)
			require.NoError(t, s.Put(AudiencePrimary, &TokenSet{AccessToken: AccessToken(tt.token)}))
			_, got := s.Valid(AudiencePrimary, tt.opts...)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("missing", func(t *testing.T) {
		t.Parallel()
		until, ok := testStore(t).Valid(AudienceService)
		assert.False(t, ok)
		assert.True(t, until.IsZero())
	})
}

func TestTokenStore_concurrent(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			aud := Audiences()[i%2]
			_ = s.Put(aud, &TokenSet{AccessToken: "a"})
			_, _ = s.Get(aud)
			_ = s.Audiences()
			if i%5 == 0 {
				s.Delete(aud)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, len(s.Audiences()), 2)
}
