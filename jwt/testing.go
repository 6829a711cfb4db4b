// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
	josejwt "gopkg.in/square/go-jose.v2/jwt"
)

// TestGenerateKey will generate a test RSA 2048 private key.
func TestGenerateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return k
}

// TestJWKS returns a key set publishing the public half of each key under
// the matching kid.
func TestJWKS(t *testing.T, keys map[string]*rsa.PrivateKey) *jose.JSONWebKeySet {
	t.Helper()
	set := &jose.JSONWebKeySet{}
	for kid, k := range keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       k.Public(),
			KeyID:     kid,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		})
	}
	return set
}

// TestSignJWT will bundle the provided claims into a test RS256 signed JWT
// carrying kid in its header.
func TestSignJWT(t *testing.T, key *rsa.PrivateKey, kid string, claims josejwt.Claims, privateClaims interface{}) string {
	t.Helper()
	require := require.New(t)
	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: key, KeyID: kid}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(err)

	b := josejwt.Signed(sig).Claims(claims)
	if privateClaims != nil {
		b = b.Claims(privateClaims)
	}
	raw, err := b.CompactSerialize()
	require.NoError(err)
	return raw
}

// TestClaims returns claims for aud expiring after d. A negative d yields an
// expired token.
func TestClaims(aud string, d time.Duration) josejwt.Claims {
	now := time.Now()
	return josejwt.Claims{
		Subject:  "test-subject",
		Issuer:   "https://identity.example.com",
		IssuedAt: josejwt.NewNumericDate(now.Add(-1 * time.Minute)),
		Expiry:   josejwt.NewNumericDate(now.Add(d)),
		Audience: josejwt.Audience{aud},
	}
}
