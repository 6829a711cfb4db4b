// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package vehicle

import (
	"github.com/hashicorp/carconnect/connect"
	"github.com/hashicorp/go-hclog"
)

const (
	// DefaultHome is where vehicles without a dedicated home region are
	// served from.
	DefaultHome = "https://msg.volkswagen.de"

	// DefaultRegionLookup serves the home region of every vehicle.
	DefaultRegionLookup = "https://mal-1a.prd.ece.vwg-connect.com"

	// DefaultConcurrency bounds how many vehicles UpdateAll refreshes at once.
	DefaultConcurrency = 4
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

type clientOptions struct {
	withLogger       hclog.Logger
	withSPIN         string
	withBrand        string
	withCountry      string
	withDefaultHome  string
	withRegionLookup string
	withResources    []Resource
	withConcurrency  int
}

func clientDefaults() clientOptions {
	return clientOptions{
		withLogger:       hclog.NewNullLogger(),
		withBrand:        connect.DefaultBrand,
		withCountry:      connect.DefaultCountry,
		withDefaultHome:  DefaultHome,
		withRegionLookup: DefaultRegionLookup,
		withResources:    Resources(),
		withConcurrency:  DefaultConcurrency,
	}
}

func getClientOpts(opt ...Option) clientOptions {
	opts := clientDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithLogger provides an optional logger.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if v, ok := o.(*clientOptions); ok && l != nil {
			v.withLogger = l
		}
	}
}

// WithSPIN provides the account's S-PIN, required for SecurityToken.
func WithSPIN(spin string) Option {
	return func(o interface{}) {
		if v, ok := o.(*clientOptions); ok {
			v.withSPIN = spin
		}
	}
}

// WithBrand provides the brand and country used in data urls.
func WithBrand(brand, country string) Option {
	return func(o interface{}) {
		if v, ok := o.(*clientOptions); ok {
			v.withBrand = brand
			v.withCountry = country
		}
	}
}

// WithDefaultHome overrides DefaultHome.
func WithDefaultHome(u string) Option {
	return func(o interface{}) {
		if v, ok := o.(*clientOptions); ok {
			v.withDefaultHome = u
		}
	}
}

// WithRegionLookup overrides DefaultRegionLookup.
func WithRegionLookup(u string) Option {
	return func(o interface{}) {
		if v, ok := o.(*clientOptions); ok {
			v.withRegionLookup = u
		}
	}
}

// WithResources sets the resources UpdateAll fetches.
func WithResources(r ...Resource) Option {
	return func(o interface{}) {
		if v, ok := o.(*clientOptions); ok {
			v.withResources = r
		}
	}
}

// WithConcurrency overrides DefaultConcurrency.
func WithConcurrency(n int) Option {
	return func(o interface{}) {
		if v, ok := o.(*clientOptions); ok {
			v.withConcurrency = n
		}
	}
}

type actionOptions struct {
	withSecurity SecurityAction
}

func getActionOpts(security SecurityAction, opt ...Option) actionOptions {
	opts := actionOptions{withSecurity: security}
	ApplyOpts(&opts, opt...)
	return opts
}

// WithSecurity authorizes an Action with a security token for a. An empty a
// sends the action without one.
func WithSecurity(a SecurityAction) Option {
	return func(o interface{}) {
		if v, ok := o.(*actionOptions); ok {
			v.withSecurity = a
		}
	}
}
