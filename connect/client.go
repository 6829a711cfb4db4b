// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package connect

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/carconnect/jwt"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"
)

// Client is a signed-in connection to the connected car service. It owns
// the session, the token store and the components keeping the tokens
// usable. All of its methods are safe for concurrent use.
type Client struct {
	cfg         *Config
	session     *Session
	keys        *jwt.KeyCache
	store       *TokenStore
	handshake   *Handshake
	dispatcher  *Dispatcher
	coordinator *Coordinator
	metrics     *Metrics
	logger      hclog.Logger
}

type clientOptions struct {
	withLogger     hclog.Logger
	withRegisterer prometheus.Registerer
	withNow        func() time.Time
}

func clientDefaults() clientOptions {
	return clientOptions{
		withLogger: hclog.NewNullLogger(),
		withNow:    time.Now,
	}
}

func getClientOpts(opt ...Option) clientOptions {
	opts := clientDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// NewClient wires a Client for cfg. The options are passed on to every
// component, so e.g. WithTimeout, WithStrictVerification and
// WithRefreshWindow may be given here.
//
// Supported options: WithLogger, WithRegisterer, WithNow, plus the options
// of NewSession, NewDispatcher, NewHandshake and NewCoordinator
func NewClient(cfg *Config, opt ...Option) (*Client, error) {
	const op = "NewClient"
	if cfg == nil {
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	opts := getClientOpts(opt...)
	logger := opts.withLogger

	var metrics *Metrics
	if opts.withRegisterer != nil {
		var err error
		if metrics, err = NewMetrics(opts.withRegisterer); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	session, err := NewSession(cfg, withOpts(opt, WithLogger(logger.Named("session")))...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	keys := jwt.NewKeyCache(jwt.WithLogger(logger.Named("keys")))
	verifier, err := jwt.NewVerifier(
		keys,
		cfg.Endpoints.ProviderKeys,
		cfg.Endpoints.ServiceKeys,
		cfg.KnownClientIDs(),
		jwt.WithLogger(logger.Named("verifier")),
		jwt.WithNow(opts.withNow),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	store, err := NewTokenStore(verifier)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	dispatcher, err := NewDispatcher(session, withOpts(opt, WithLogger(logger.Named("dispatcher")), WithMetrics(metrics))...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	handshake, err := NewHandshake(cfg, session, store, withOpts(opt, WithLogger(logger.Named("handshake")), WithMetrics(metrics))...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	coordinator, err := NewCoordinator(cfg, session, store, handshake, dispatcher, withOpts(opt, WithLogger(logger.Named("coordinator")), WithMetrics(metrics))...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Client{
		cfg:         cfg,
		session:     session,
		keys:        keys,
		store:       store,
		handshake:   handshake,
		dispatcher:  dispatcher,
		coordinator: coordinator,
		metrics:     metrics,
		logger:      logger,
	}, nil
}

// withOpts returns opt followed by extra without touching opt's backing array.
func withOpts(opt []Option, extra ...Option) []Option {
	out := make([]Option, 0, len(opt)+len(extra))
	out = append(out, opt...)
	return append(out, extra...)
}

// Login signs in from scratch. Tokens held from an earlier login are
// revoked first; a failure to revoke them doesn't stop the login.
func (c *Client) Login(ctx context.Context) error {
	if len(c.store.Audiences()) > 0 {
		if err := c.coordinator.Revoke(ctx); err != nil {
			c.logger.Warn("unable to revoke previous tokens", "error", err)
		}
	}
	return c.coordinator.Login(ctx)
}

// Ensure makes sure aud holds a usable token and makes it the session's
// bearer token.
func (c *Client) Ensure(ctx context.Context, aud Audience) error {
	return c.coordinator.Ensure(ctx, aud)
}

// Get ensures aud's token and sends a GET request bearing it.
func (c *Client) Get(ctx context.Context, aud Audience, url string, opt ...Option) (*Outcome, error) {
	return c.Do(ctx, aud, http.MethodGet, url, opt...)
}

// Post ensures aud's token and sends a POST request bearing it.
func (c *Client) Post(ctx context.Context, aud Audience, url string, opt ...Option) (*Outcome, error) {
	return c.Do(ctx, aud, http.MethodPost, url, opt...)
}

// Do ensures aud's token and dispatches the request bearing it. Headers
// given with WithHeader or WithHeaders take precedence over the bearer
// headers.
func (c *Client) Do(ctx context.Context, aud Audience, method, url string, opt ...Option) (*Outcome, error) {
	h, err := c.coordinator.Authorize(ctx, aud)
	if err != nil {
		return nil, err
	}
	return c.dispatcher.Do(ctx, method, url, append([]Option{WithHeaders(h)}, opt...)...)
}

// Logout revokes every held token. Tokens that couldn't be revoked stay in
// the store and the returned error lists each failure.
func (c *Client) Logout(ctx context.Context) error {
	return c.coordinator.Revoke(ctx)
}

// TokenSource returns an oauth2.TokenSource for aud's access token.
func (c *Client) TokenSource(ctx context.Context, aud Audience) oauth2.TokenSource {
	return c.coordinator.TokenSource(ctx, aud)
}

// Tokens returns the token store.
func (c *Client) Tokens() *TokenStore { return c.store }

// Dispatcher returns the dispatcher, for requests that need no token.
func (c *Client) Dispatcher() *Dispatcher { return c.dispatcher }

// Session returns the shared session.
func (c *Client) Session() *Session { return c.session }

// Config returns the client's configuration.
func (c *Client) Config() *Config { return c.cfg }
