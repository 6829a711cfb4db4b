// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package jwt

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkhttp "github.com/hashicorp/carconnect/sdk/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
	josejwt "gopkg.in/square/go-jose.v2/jwt"
)

const testClientID = "30e33736-c537-4c72-ab60-74a7b92cfe83@apps_vw-dilab_com"

// testKeyServer publishes a key set and counts requests.
type testKeyServer struct {
	*httptest.Server
	hits int32

	mu   sync.Mutex
	body []byte
	code int
}

func newTestKeyServer(t *testing.T, set interface{}) *testKeyServer {
	t.Helper()
	s := &testKeyServer{code: http.StatusOK}
	s.setKeys(t, set)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&s.hits, 1)
		s.mu.Lock()
		defer s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(s.code)
		_, _ = w.Write(s.body)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *testKeyServer) setKeys(t *testing.T, set interface{}) {
	t.Helper()
	b, err := json.Marshal(set)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.body = b
}

func (s *testKeyServer) setStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.code = code
}

func (s *testKeyServer) Hits() int { return int(atomic.LoadInt32(&s.hits)) }

func TestKeyCache_Key(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	k1 := TestGenerateKey(t)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	set := TestJWKS(t, map[string]*rsa.PrivateKey{"k1": k1})
	set.Keys = append(set.Keys, jose.JSONWebKey{Key: ecKey.Public(), KeyID: "ec", Algorithm: string(jose.ES256)})
	withJunk := map[string]interface{}{
		"keys": []interface{}{
			set.Keys[0],
			set.Keys[1],
			map[string]string{"kty": "unknown", "kid": "junk"},
		},
	}

	t.Run("miss-then-hit", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		srv := newTestKeyServer(t, withJunk)
		c := NewKeyCache()

		k, err := c.Key(ctx, srv.URL, "k1")
		require.NoError(err)
		assert.Equal("k1", k.KeyID)
		assert.Equal(1, srv.Hits())
		assert.Equal(1, c.Len(), "non-RSA and unparseable keys are skipped")

		_, err = c.Key(ctx, srv.URL, "k1")
		require.NoError(err)
		assert.Equal(1, srv.Hits())
		assert.Equal(1, c.Fetches())
	})
	t.Run("unknown-kid-refetches", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		srv := newTestKeyServer(t, set)
		c := NewKeyCache()
		_, err := c.Key(ctx, srv.URL, "k1")
		require.NoError(err)

		_, err = c.Key(ctx, srv.URL, "ec")
		require.Error(err)
		assert.Truef(errors.Is(err, ErrKeyNotFound), "wanted \"%s\" but got \"%s\"", ErrKeyNotFound, err)
		assert.Equal(2, srv.Hits())

		k2 := TestGenerateKey(t)
		srv.setKeys(t, TestJWKS(t, map[string]*rsa.PrivateKey{"k1": k1, "k2": k2}))
		k, err := c.Key(ctx, srv.URL, "k2")
		require.NoError(err)
		assert.Equal("k2", k.KeyID)
		assert.Equal(3, srv.Hits())
	})
	t.Run("fetch-failure", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		srv := newTestKeyServer(t, set)
		srv.setStatus(http.StatusInternalServerError)
		c := NewKeyCache()
		_, err := c.Key(ctx, srv.URL, "k1")
		require.Error(err)
		assert.Truef(errors.Is(err, ErrKeyFetchFailed), "wanted \"%s\" but got \"%s\"", ErrKeyFetchFailed, err)
	})
	t.Run("missing-kid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c := NewKeyCache()
		_, err := c.Key(ctx, "http://unused", "")
		require.Error(err)
		assert.Truef(errors.Is(err, ErrInvalidParameter), "wanted \"%s\" but got \"%s\"", ErrInvalidParameter, err)
		_, err = c.Key(ctx, "", "k1")
		assert.Truef(errors.Is(err, ErrInvalidParameter), "wanted \"%s\" but got \"%s\"", ErrInvalidParameter, err)
	})
	t.Run("sets-are-separate", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		other := TestGenerateKey(t)
		a := newTestKeyServer(t, set)
		b := newTestKeyServer(t, TestJWKS(t, map[string]*rsa.PrivateKey{"k1": other}))
		c := NewKeyCache()

		ka, err := c.Key(ctx, a.URL, "k1")
		require.NoError(err)
		kb, err := c.Key(ctx, b.URL, "k1")
		require.NoError(err)
		assert.Equal(1, b.Hits(), "a cached kid from another set must not be used")
		assert.Equal(&k1.PublicKey, ka.Key)
		assert.Equal(&other.PublicKey, kb.Key)
		assert.Equal(2, c.Len())

		_, err = c.Key(ctx, b.URL, "ec")
		assert.Truef(errors.Is(err, ErrKeyNotFound), "wanted \"%s\" but got \"%s\"", ErrKeyNotFound, err)
	})
	t.Run("context-client", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		body, err := json.Marshal(set)
		require.NoError(err)
		srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(body)
		}))
		t.Cleanup(srv.Close)
		c := NewKeyCache()

		_, err = c.Key(ctx, srv.URL, "k1")
		require.Error(err, "the default client doesn't trust the test server")
		assert.Truef(errors.Is(err, ErrKeyFetchFailed), "wanted \"%s\" but got \"%s\"", ErrKeyFetchFailed, err)

		k, err := c.Key(sdkhttp.ClientContext(ctx, srv.Client()), srv.URL, "k1")
		require.NoError(err)
		assert.Equal("k1", k.KeyID)
	})
}

func TestVerifier_Verify(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	providerKey := TestGenerateKey(t)
	serviceKey := TestGenerateKey(t)
	otherKey := TestGenerateKey(t)

	provider := newTestKeyServer(t, TestJWKS(t, map[string]*rsa.PrivateKey{"provider": providerKey}))
	service := newTestKeyServer(t, TestJWKS(t, map[string]*rsa.PrivateKey{"service": serviceKey}))

	hs256 := func(t *testing.T) string {
		sig, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte("0123456789abcdef0123456789abcdef")}, nil)
		require.NoError(t, err)
		raw, err := josejwt.Signed(sig).Claims(TestClaims(testClientID, time.Hour)).CompactSerialize()
		require.NoError(t, err)
		return raw
	}

	tests := []struct {
		name      string
		token     func(t *testing.T) string
		want      Status
		wantIsErr error
	}{
		{
			name: "provider-token",
			token: func(t *testing.T) string {
				return TestSignJWT(t, providerKey, "provider", TestClaims(testClientID, time.Hour), nil)
			},
			want: StatusVerified,
		},
		{
			name: "service-token",
			token: func(t *testing.T) string {
				return TestSignJWT(t, serviceKey, "service", TestClaims("mal-service", time.Hour), nil)
			},
			want: StatusVerified,
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				return TestSignJWT(t, providerKey, "provider", TestClaims(testClientID, -time.Minute), nil)
			},
			want:      StatusExpired,
			wantIsErr: ErrExpiredToken,
		},
		{
			name: "wrong-key",
			token: func(t *testing.T) string {
				return TestSignJWT(t, otherKey, "provider", TestClaims(testClientID, time.Hour), nil)
			},
			want:      StatusUnverifiable,
			wantIsErr: ErrInvalidSignature,
		},
		{
			name: "provider-kid-on-service-token",
			token: func(t *testing.T) string {
				return TestSignJWT(t, providerKey, "provider", TestClaims("mal-service", time.Hour), nil)
			},
			want:      StatusUnverifiable,
			wantIsErr: ErrInvalidSignature,
		},
		{
			name:      "hs256",
			token:     hs256,
			want:      StatusUnverifiable,
			wantIsErr: ErrInvalidSignature,
		},
		{
			name:      "garbage",
			token:     func(*testing.T) string { return "xyz" },
			want:      StatusUnverifiable,
			wantIsErr: ErrMalformedToken,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			v, err := NewVerifier(NewKeyCache(), provider.URL, service.URL, []string{testClientID})
			require.NoError(err)
			got, err := v.Verify(ctx, tt.token(t))
			assert.Equal(tt.want, got)
			if tt.wantIsErr != nil {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted \"%s\" but got \"%s\"", tt.wantIsErr, err)
				return
			}
			require.NoError(err)
		})
	}
}

func TestVerifier_sharedCache(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	providerKey := TestGenerateKey(t)
	serviceKey := TestGenerateKey(t)
	provider := newTestKeyServer(t, TestJWKS(t, map[string]*rsa.PrivateKey{"provider": providerKey}))
	service := newTestKeyServer(t, TestJWKS(t, map[string]*rsa.PrivateKey{"service": serviceKey}))

	v, err := NewVerifier(NewKeyCache(), provider.URL, service.URL, []string{testClientID})
	require.NoError(err)

	got, err := v.Verify(ctx, TestSignJWT(t, providerKey, "provider", TestClaims(testClientID, time.Hour), nil))
	require.NoError(err)
	assert.Equal(StatusVerified, got)

	got, err = v.Verify(ctx, TestSignJWT(t, providerKey, "provider", TestClaims("mal-service", time.Hour), nil))
	require.Error(err)
	assert.Equal(StatusUnverifiable, got)
	assert.Truef(errors.Is(err, ErrInvalidSignature), "wanted \"%s\" but got \"%s\"", ErrInvalidSignature, err)

	got, err = v.Verify(ctx, TestSignJWT(t, serviceKey, "service", TestClaims("mal-service", time.Hour), nil))
	require.NoError(err)
	assert.Equal(StatusVerified, got)
	assert.Equal(1, provider.Hits())
	assert.Equal(1, service.Hits(), "the first miss cached the whole set")
}

func TestVerifier_KeySetURL(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	v, err := NewVerifier(NewKeyCache(), "https://provider/keys", "https://service/keys", []string{testClientID})
	require.NoError(err)
	assert.Equal("https://provider/keys", v.KeySetURL(testClientID))
	assert.Equal("https://service/keys", v.KeySetURL("something-else"))

	_, err = NewVerifier(nil, "a", "b", nil)
	assert.Truef(errors.Is(err, ErrNilParameter), "wanted \"%s\" but got \"%s\"", ErrNilParameter, err)
	_, err = NewVerifier(NewKeyCache(), "", "b", nil)
	assert.Truef(errors.Is(err, ErrInvalidParameter), "wanted \"%s\" but got \"%s\"", ErrInvalidParameter, err)
}

func TestValidUntil(t *testing.T) {
	t.Parallel()
	key := TestGenerateKey(t)
	now := time.Now()
	clock := func() time.Time { return now }

	sign := func(exp time.Time) string {
		c := TestClaims(testClientID, 0)
		c.Expiry = josejwt.NewNumericDate(exp)
		return TestSignJWT(t, key, "k", c, nil)
	}
	noExp := TestSignJWT(t, key, "k", josejwt.Claims{Subject: "s"}, nil)

	tests := []struct {
		name  string
		token string
		opts  []Option
		want  bool
	}{
		{"valid", sign(now.Add(time.Hour)), nil, true},
		{"expired", sign(now.Add(-time.Second)), nil, false},
		{"within-grace-strict", sign(now.Add(30 * time.Second)), nil, true},
		{"within-grace-preemptive", sign(now.Add(30 * time.Second)), []Option{WithExpirySkew(time.Minute)}, false},
		{"beyond-grace-preemptive", sign(now.Add(2 * time.Minute)), []Option{WithExpirySkew(time.Minute)}, true},
		{"missing-exp", noExp, nil, false},
		{"garbage", "not.a.jwt", nil, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, got := ValidUntil(tt.token, append(tt.opts, WithNow(clock))...)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnverifiedClaims(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	key := TestGenerateKey(t)
	tk := TestSignJWT(t, key, "k", TestClaims(testClientID, time.Hour), map[string]interface{}{"nonce": "n-1"})

	claims, err := UnverifiedClaims(tk)
	require.NoError(err)
	assert.Equal(testClientID, Audience(claims))
	assert.Equal("n-1", claims["nonce"])

	assert.Equal("single", Audience(map[string]interface{}{"aud": "single"}))
	assert.Equal("", Audience(map[string]interface{}{}))

	_, err = UnverifiedClaims("nope")
	assert.Truef(errors.Is(err, ErrMalformedToken), "wanted \"%s\" but got \"%s\"", ErrMalformedToken, err)
}

func TestStatus_String(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	assert.Equal("verified", StatusVerified.String())
	assert.Equal("expired", StatusExpired.String())
	assert.Equal("unverifiable", StatusUnverifiable.String())
}
