// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package id

import (
	"encoding/base64"
	"fmt"

	"github.com/hashicorp/go-uuid"
)

const (
	base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	idLen          = 10
	nonceBytes     = 32
)

// New generates an ID with an optional prefix.
func New(optionalPrefix string) (string, error) {
	buf, err := uuid.GenerateRandomBytes(idLen)
	if err != nil {
		return "", fmt.Errorf("unable to generate id: %w", err)
	}
	id := make([]byte, idLen)
	for i, b := range buf {
		id[i] = base62Alphabet[int(b)%len(base62Alphabet)]
	}
	switch {
	case optionalPrefix != "":
		return fmt.Sprintf("%s_%s", optionalPrefix, id), nil
	default:
		return string(id), nil
	}
}

// NewNonce returns a URL safe, unpadded base64 encoding of 32 random bytes.
// It's suitable for the nonce and state parameters of an authorization
// request.
func NewNonce() (string, error) {
	buf, err := uuid.GenerateRandomBytes(nonceBytes)
	if err != nil {
		return "", fmt.Errorf("unable to generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
