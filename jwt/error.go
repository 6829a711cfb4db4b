// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package jwt

import "errors"

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNilParameter     = errors.New("nil parameter")
	ErrMalformedToken   = errors.New("malformed token")
	ErrMissingExpiry    = errors.New("missing exp claim")
	ErrInvalidAudience  = errors.New("invalid audience")
	ErrKeyNotFound      = errors.New("signing key not found")
	ErrKeyFetchFailed   = errors.New("unable to fetch signing keys")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpiredToken     = errors.New("token is expired")
)
