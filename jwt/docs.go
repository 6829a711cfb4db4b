// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package jwt verifies the signatures of tokens issued by the identity
// provider and the token service, and reads their expiry. Signing keys are
// fetched from each issuer's JWKS url and cached by KeyCache.
package jwt
