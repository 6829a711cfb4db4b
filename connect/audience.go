// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package connect

import "sort"

// Audience names an independent set of tokens.
type Audience string

const (
	// AudiencePrimary tokens come from the sign-in handshake.
	AudiencePrimary Audience = "primary"

	// AudienceService tokens are derived from the primary id_token and
	// authorize calls to the vehicle service.
	AudienceService Audience = "service"
)

const defaultTokenType = "MBB"

type audienceSpec struct {
	tokenType string
	derived   bool
}

var audiences = map[Audience]audienceSpec{
	AudiencePrimary: {tokenType: "IDK_TECHNICAL"},
	AudienceService: {tokenType: defaultTokenType, derived: true},
}

// tokentype header values of the app's other token clients
var tokenTypes = map[Audience]string{
	"connect":   "IDK_CONNECT",
	"smartlink": "IDK_SMARTLINK",
}

// TokenType is the value sent in the tokentype header alongside the
// audience's bearer token.
func (a Audience) TokenType() string {
	if s, ok := audiences[a]; ok {
		return s.tokenType
	}
	if t, ok := tokenTypes[a]; ok {
		return t
	}
	return defaultTokenType
}

// Derived reports whether the audience's tokens are obtained by exchanging
// the primary id_token rather than through the handshake.
func (a Audience) Derived() bool {
	return audiences[a].derived
}

// Known reports whether a is one of the configured audiences.
func (a Audience) Known() bool {
	_, ok := audiences[a]
	return ok
}

// Audiences returns every known audience, sorted.
func Audiences() []Audience {
	out := make([]Audience, 0, len(audiences))
	for a := range audiences {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
