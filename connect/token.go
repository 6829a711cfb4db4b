// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package connect

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/carconnect/jwt"
	"golang.org/x/oauth2"
)

// AccessToken is an oauth access_token
type AccessToken string

// RedactedAccessToken is the redacted string or json for an oauth access_token
const RedactedAccessToken = "[REDACTED: access_token]"

// String will redact the token
func (t AccessToken) String() string {
	return RedactedAccessToken
}

// MarshalJSON will redact the token
func (t AccessToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedAccessToken)
}

// RefreshToken is an oauth refresh_token
type RefreshToken string

// RedactedRefreshToken is the redacted string or json for an oauth refresh_token
const RedactedRefreshToken = "[REDACTED: refresh_token]"

// String will redact the token
func (t RefreshToken) String() string {
	return RedactedRefreshToken
}

// MarshalJSON will redact the token
func (t RefreshToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedRefreshToken)
}

// IdToken is an oidc id_token
type IdToken string

// RedactedIdToken is the redacted string or json for an oidc id_token
const RedactedIdToken = "[REDACTED: id_token]"

// String will redact the token
func (t IdToken) String() string {
	return RedactedIdToken
}

// MarshalJSON will redact the token
func (t IdToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedIdToken)
}

// TokenSet is the set of tokens held for one audience.
type TokenSet struct {
	AccessToken  AccessToken  `json:"access_token"`
	RefreshToken RefreshToken `json:"refresh_token,omitempty"`
	IdToken      IdToken      `json:"id_token,omitempty"`

	// Raw holds every field of the token bundle as it was received.
	Raw map[string]interface{} `json:"-"`

	// Verification is the result of verifying the access token's signature.
	Verification jwt.Status `json:"-"`
}

// NewTokenSet builds a TokenSet from a decoded token bundle. Every key ending
// in "_token" is a token; access_token is required.
func NewTokenSet(bundle map[string]interface{}) (*TokenSet, error) {
	const op = "NewTokenSet"
	if bundle == nil {
		return nil, fmt.Errorf("%s: bundle is nil: %w", op, ErrNilParameter)
	}
	ts := &TokenSet{Raw: cloneValue(bundle).(map[string]interface{})}
	for k, v := range bundle {
		if !strings.HasSuffix(k, "_token") {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s: %s is not a string: %w", op, k, ErrInvalidParameter)
		}
		switch k {
		case "access_token":
			ts.AccessToken = AccessToken(s)
		case "refresh_token":
			ts.RefreshToken = RefreshToken(s)
		case "id_token":
			ts.IdToken = IdToken(s)
		}
	}
	if ts.AccessToken == "" {
		return nil, fmt.Errorf("%s: access_token: %w", op, ErrMissingToken)
	}
	return ts, nil
}

// Clone returns a deep copy of t.
func (t *TokenSet) Clone() *TokenSet {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Raw != nil {
		cp.Raw = cloneValue(t.Raw).(map[string]interface{})
	}
	return &cp
}

// Merge returns a copy of t updated with the tokens in update. Tokens update
// doesn't carry, typically the refresh_token, are kept.
func (t *TokenSet) Merge(update *TokenSet) *TokenSet {
	if t == nil {
		return update.Clone()
	}
	out := t.Clone()
	if update == nil {
		return out
	}
	if out.Raw == nil {
		out.Raw = map[string]interface{}{}
	}
	for k, v := range update.Raw {
		out.Raw[k] = cloneValue(v)
	}
	if update.AccessToken != "" {
		out.AccessToken = update.AccessToken
	}
	if update.RefreshToken != "" {
		out.RefreshToken = update.RefreshToken
	}
	if update.IdToken != "" {
		out.IdToken = update.IdToken
	}
	out.Verification = update.Verification
	return out
}

// Expiry returns the access token's exp claim, or the zero time.
func (t *TokenSet) Expiry() time.Time {
	if t == nil {
		return time.Time{}
	}
	exp, err := jwt.Expiry(string(t.AccessToken))
	if err != nil {
		return time.Time{}
	}
	return exp
}

// OAuth2Token converts t into an oauth2.Token.
func (t *TokenSet) OAuth2Token() *oauth2.Token {
	if t == nil {
		return nil
	}
	tk := &oauth2.Token{
		AccessToken:  string(t.AccessToken),
		RefreshToken: string(t.RefreshToken),
		TokenType:    "Bearer",
		Expiry:       t.Expiry(),
	}
	if t.IdToken != "" {
		tk = tk.WithExtra(map[string]interface{}{"id_token": string(t.IdToken)})
	}
	return tk
}

// String lists the fields held without revealing any token.
func (t *TokenSet) String() string {
	if t == nil {
		return "<nil>"
	}
	keys := make([]string, 0, len(t.Raw))
	for k := range t.Raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("TokenSet{fields: %s, verification: %s}", strings.Join(keys, ","), t.Verification)
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}
