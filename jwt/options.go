// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package jwt

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type which can be used in a
// variadic parameter pattern.
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		if o == nil { // ignore any nil Options
			continue
		}
		o(opts)
	}
}

type keyCacheOptions struct {
	withHTTPClient *http.Client
	withLogger     hclog.Logger
}

func keyCacheDefaults() keyCacheOptions {
	return keyCacheOptions{
		withLogger: hclog.NewNullLogger(),
	}
}

func getKeyCacheOpts(opt ...Option) keyCacheOptions {
	opts := keyCacheDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

type verifierOptions struct {
	withNow    func() time.Time
	withLogger hclog.Logger
}

func verifierDefaults() verifierOptions {
	return verifierOptions{
		withNow:    time.Now,
		withLogger: hclog.NewNullLogger(),
	}
}

func getVerifierOpts(opt ...Option) verifierOptions {
	opts := verifierDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

type validateOptions struct {
	withExpirySkew time.Duration
	withNow        func() time.Time
}

func validateDefaults() validateOptions {
	return validateOptions{
		withNow: time.Now,
	}
}

func getValidateOpts(opt ...Option) validateOptions {
	opts := validateDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithHTTPClient provides the http client a KeyCache fetches key sets with.
func WithHTTPClient(c *http.Client) Option {
	return func(o interface{}) {
		if c == nil {
			return
		}
		switch v := o.(type) {
		case *keyCacheOptions:
			v.withHTTPClient = c
		}
	}
}

// WithLogger provides an optional logger for: KeyCache, Verifier
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if l == nil {
			return
		}
		switch v := o.(type) {
		case *keyCacheOptions:
			v.withLogger = l
		case *verifierOptions:
			v.withLogger = l
		}
	}
}

// WithExpirySkew requires a token to stay valid for at least d beyond now.
// Zero, the default, only requires the token not to be expired yet.
func WithExpirySkew(d time.Duration) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *validateOptions:
			v.withExpirySkew = d
		}
	}
}

// WithNow provides an optional clock for: Verifier, ValidUntil
func WithNow(now func() time.Time) Option {
	return func(o interface{}) {
		if now == nil {
			return
		}
		switch v := o.(type) {
		case *verifierOptions:
			v.withNow = now
		case *validateOptions:
			v.withNow = now
		}
	}
}
