// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package connect

import (
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/text/language"
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

// errOptions is used to configure an Err
type errOptions struct {
	withOp         string
	withMsg        string
	withWrap       error
	withStatusCode int
	withRetryAfter time.Duration
}

func getErrOpts(opt ...Option) errOptions {
	var opts errOptions
	ApplyOpts(&opts, opt...)
	return opts
}

// WithOp provides an optional op (operation) for an Err.
func WithOp(op string) Option {
	return func(o interface{}) {
		if v, ok := o.(*errOptions); ok {
			v.withOp = op
		}
	}
}

// WithMsg provides an optional message for an Err.
func WithMsg(msg string) Option {
	return func(o interface{}) {
		if v, ok := o.(*errOptions); ok {
			v.withMsg = msg
		}
	}
}

// WithWrap provides an optional wrapped error for an Err.
func WithWrap(err error) Option {
	return func(o interface{}) {
		if v, ok := o.(*errOptions); ok {
			v.withWrap = err
		}
	}
}

// WithStatusCode provides an optional http status for an Err.
func WithStatusCode(code int) Option {
	return func(o interface{}) {
		if v, ok := o.(*errOptions); ok {
			v.withStatusCode = code
		}
	}
}

// WithRetryAfter provides an optional cool-down for an Err.
func WithRetryAfter(d time.Duration) Option {
	return func(o interface{}) {
		if v, ok := o.(*errOptions); ok {
			v.withRetryAfter = d
		}
	}
}

// WithLogger provides an optional logger for: Session, Dispatcher,
// Handshake, Coordinator, Client
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if l == nil {
			return
		}
		switch v := o.(type) {
		case *sessionOptions:
			v.withLogger = l
		case *dispatcherOptions:
			v.withLogger = l
		case *handshakeOptions:
			v.withLogger = l
		case *coordinatorOptions:
			v.withLogger = l
		case *clientOptions:
			v.withLogger = l
		}
	}
}

// WithMetrics provides optional metrics for: Dispatcher, Handshake,
// Coordinator
func WithMetrics(m *Metrics) Option {
	return func(o interface{}) {
		if m == nil {
			return
		}
		switch v := o.(type) {
		case *dispatcherOptions:
			v.withMetrics = m
		case *handshakeOptions:
			v.withMetrics = m
		case *coordinatorOptions:
			v.withMetrics = m
		}
	}
}

// WithRegisterer provides an optional prometheus registerer for a Client's
// metrics. Without one no metrics are collected.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o interface{}) {
		if v, ok := o.(*clientOptions); ok {
			v.withRegisterer = r
		}
	}
}

// WithTimeout provides an optional per request timeout for: Dispatcher,
// Session
func WithTimeout(d time.Duration) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *dispatcherOptions:
			v.withTimeout = d
		case *sessionOptions:
			v.withTimeout = d
		}
	}
}

// WithFormScraper provides an optional FormScraper for a Handshake.
func WithFormScraper(s FormScraper) Option {
	return func(o interface{}) {
		if s == nil {
			return
		}
		if v, ok := o.(*handshakeOptions); ok {
			v.withFormScraper = s
		}
	}
}

// WithStrictVerification makes a Coordinator treat tokens whose signature
// can't be verified as unusable.
func WithStrictVerification() Option {
	return func(o interface{}) {
		if v, ok := o.(*coordinatorOptions); ok {
			v.withStrictVerification = true
		}
	}
}

// WithRefreshWindow provides an optional window before expiry within which a
// Coordinator refreshes a token.
func WithRefreshWindow(d time.Duration) Option {
	return func(o interface{}) {
		if v, ok := o.(*coordinatorOptions); ok {
			v.withRefreshWindow = d
		}
	}
}

// WithNow provides an optional clock for: Coordinator, Client
func WithNow(now func() time.Time) Option {
	return func(o interface{}) {
		if now == nil {
			return
		}
		switch v := o.(type) {
		case *coordinatorOptions:
			v.withNow = now
		case *clientOptions:
			v.withNow = now
		}
	}
}

// WithClientID provides an optional client id for a Config.
func WithClientID(id string) Option {
	return func(o interface{}) {
		if v, ok := o.(*configOptions); ok {
			v.withClientID = id
		}
	}
}

// WithScopes provides optional scopes for a Config.
func WithScopes(scopes ...string) Option {
	return func(o interface{}) {
		if v, ok := o.(*configOptions); ok {
			v.withScopes = scopes
		}
	}
}

// WithRedirectURI provides an optional redirect uri for a Config. The
// handshake completes once the provider redirects to it.
func WithRedirectURI(uri string) Option {
	return func(o interface{}) {
		if v, ok := o.(*configOptions); ok {
			v.withRedirectURI = uri
		}
	}
}

// WithBrand provides an optional brand and country for a Config.
func WithBrand(brand, country string) Option {
	return func(o interface{}) {
		if v, ok := o.(*configOptions); ok {
			v.withBrand = brand
			v.withCountry = country
		}
	}
}

// WithEndpoints provides optional endpoints for a Config.
func WithEndpoints(e Endpoints) Option {
	return func(o interface{}) {
		if v, ok := o.(*configOptions); ok {
			v.withEndpoints = &e
		}
	}
}

// WithProviderCA provides an optional CA certificate PEM for a Config.
func WithProviderCA(caPEM string) Option {
	return func(o interface{}) {
		if v, ok := o.(*configOptions); ok {
			v.withProviderCA = caPEM
		}
	}
}

// WithDebug enables full response and token logging for a Config.
func WithDebug() Option {
	return func(o interface{}) {
		if v, ok := o.(*configOptions); ok {
			v.withDebug = true
		}
	}
}

// WithUILocales provides optional preferred languages for the provider's
// sign-in pages.
func WithUILocales(tags ...language.Tag) Option {
	return func(o interface{}) {
		if v, ok := o.(*configOptions); ok {
			v.withUILocales = tags
		}
	}
}

// requestOptions is used to configure a single dispatched request.
type requestOptions struct {
	withForm        url.Values
	withJSON        interface{}
	withBody        []byte
	withContentType string
	withHeaders     http.Header
}

func getRequestOpts(opt ...Option) requestOptions {
	opts := requestOptions{withHeaders: http.Header{}}
	ApplyOpts(&opts, opt...)
	return opts
}

// WithForm sends v as a form encoded request body.
func WithForm(v url.Values) Option {
	return func(o interface{}) {
		if r, ok := o.(*requestOptions); ok {
			r.withForm = v
		}
	}
}

// WithJSON sends v as a JSON request body.
func WithJSON(v interface{}) Option {
	return func(o interface{}) {
		if r, ok := o.(*requestOptions); ok {
			r.withJSON = v
		}
	}
}

// WithBody sends body with the given content type.
func WithBody(contentType string, body []byte) Option {
	return func(o interface{}) {
		if r, ok := o.(*requestOptions); ok {
			r.withContentType = contentType
			r.withBody = body
		}
	}
}

// WithHeader sets a header on a single request, overriding the session's
// value.
func WithHeader(key, value string) Option {
	return func(o interface{}) {
		if r, ok := o.(*requestOptions); ok {
			r.withHeaders.Set(key, value)
		}
	}
}

// WithHeaders sets headers on a single request, overriding the session's
// values.
func WithHeaders(h http.Header) Option {
	return func(o interface{}) {
		if r, ok := o.(*requestOptions); ok {
			for k, vs := range h {
				r.withHeaders[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
			}
		}
	}
}
