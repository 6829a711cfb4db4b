// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package jwt

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/carconnect/internal/strutils"
	"github.com/hashicorp/go-hclog"
	josejwt "gopkg.in/square/go-jose.v2/jwt"
)

// RS256 is the only signing algorithm accepted by a Verifier.
const RS256 = oidc.RS256

// Status is the outcome of verifying a token.
type Status int

const (
	StatusUnverifiable Status = iota
	StatusVerified
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusVerified:
		return "verified"
	case StatusExpired:
		return "expired"
	default:
		return "unverifiable"
	}
}

// Verifier checks token signatures. The key set a token is checked against
// depends on its audience: tokens issued to one of the identity provider's
// client ids use the provider's keys, everything else uses the service keys.
type Verifier struct {
	cache          *KeyCache
	providerJWKS   string
	serviceJWKS    string
	knownClientIDs []string
	now            func() time.Time
	logger         hclog.Logger
}

// NewVerifier creates a Verifier backed by cache.
//
// Supported options: WithNow, WithLogger
func NewVerifier(cache *KeyCache, providerJWKSURL, serviceJWKSURL string, clientIDs []string, opt ...Option) (*Verifier, error) {
	const op = "jwt.NewVerifier"
	switch {
	case cache == nil:
		return nil, fmt.Errorf("%s: key cache is nil: %w", op, ErrNilParameter)
	case providerJWKSURL == "":
		return nil, fmt.Errorf("%s: missing provider key set url: %w", op, ErrInvalidParameter)
	case serviceJWKSURL == "":
		return nil, fmt.Errorf("%s: missing service key set url: %w", op, ErrInvalidParameter)
	}
	opts := getVerifierOpts(opt...)
	return &Verifier{
		cache:          cache,
		providerJWKS:   providerJWKSURL,
		serviceJWKS:    serviceJWKSURL,
		knownClientIDs: append([]string(nil), clientIDs...),
		now:            opts.withNow,
		logger:         opts.withLogger,
	}, nil
}

// KeySetURL returns the key set url used for tokens issued to aud.
func (v *Verifier) KeySetURL(aud string) string {
	if strutils.StrListContains(v.knownClientIDs, aud) {
		return v.providerJWKS
	}
	return v.serviceJWKS
}

// Verify checks the token's RS256 signature against the key set selected by
// its audience. A correctly signed token whose exp has passed is reported as
// StatusExpired. Any other failure is StatusUnverifiable along with the
// reason.
func (v *Verifier) Verify(ctx context.Context, token string) (Status, error) {
	const op = "jwt.(Verifier).Verify"
	claims, err := UnverifiedClaims(token)
	if err != nil {
		return StatusUnverifiable, fmt.Errorf("%s: %w", op, err)
	}
	aud := Audience(claims)
	if aud == "" {
		return StatusUnverifiable, fmt.Errorf("%s: token has no audience: %w", op, ErrInvalidAudience)
	}
	keySetURL := v.KeySetURL(aud)
	verifier := oidc.NewVerifier("", v.cache.KeySet(keySetURL), &oidc.Config{
		ClientID:             aud,
		SupportedSigningAlgs: []string{RS256},
		SkipIssuerCheck:      true,
		SkipExpiryCheck:      true,
		Now:                  v.now,
	})
	idt, err := verifier.Verify(ctx, token)
	if err != nil {
		return StatusUnverifiable, fmt.Errorf("%s: %v: %w", op, err, ErrInvalidSignature)
	}
	if !idt.Expiry.IsZero() && !idt.Expiry.After(v.now()) {
		v.logger.Debug("token signature valid but expired", "aud", aud, "exp", idt.Expiry)
		return StatusExpired, fmt.Errorf("%s: expired at %s: %w", op, idt.Expiry.UTC().Format(time.RFC3339), ErrExpiredToken)
	}
	return StatusVerified, nil
}

// UnverifiedClaims decodes the token's claims without checking its
// signature.
func UnverifiedClaims(token string) (map[string]interface{}, error) {
	const op = "jwt.UnverifiedClaims"
	parsed, err := josejwt.ParseSigned(token)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", op, err, ErrMalformedToken)
	}
	claims := map[string]interface{}{}
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", op, err, ErrMalformedToken)
	}
	return claims, nil
}

// Audience returns the aud claim, or its first entry when it's a list.
func Audience(claims map[string]interface{}) string {
	switch aud := claims["aud"].(type) {
	case string:
		return aud
	case []interface{}:
		if len(aud) > 0 {
			s, _ := aud[0].(string)
			return s
		}
	}
	return ""
}

// Expiry returns the token's exp claim without checking its signature.
func Expiry(token string) (time.Time, error) {
	const op = "jwt.Expiry"
	parsed, err := josejwt.ParseSigned(token)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %v: %w", op, err, ErrMalformedToken)
	}
	var c josejwt.Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&c); err != nil {
		return time.Time{}, fmt.Errorf("%s: %v: %w", op, err, ErrMalformedToken)
	}
	if c.Expiry == nil {
		return time.Time{}, fmt.Errorf("%s: %w", op, ErrMissingExpiry)
	}
	return c.Expiry.Time(), nil
}

// ValidUntil reports the token's expiry and whether it's still valid. A
// token is valid when its exp is after now plus the expiry skew. Tokens
// without a readable exp are never valid.
//
// Supported options: WithExpirySkew, WithNow
func ValidUntil(token string, opt ...Option) (time.Time, bool) {
	opts := getValidateOpts(opt...)
	exp, err := Expiry(token)
	if err != nil {
		return time.Time{}, false
	}
	return exp, exp.After(opts.withNow().Add(opts.withExpirySkew))
}
