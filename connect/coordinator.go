// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package connect

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/carconnect/jwt"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/oauth2"
)

// DefaultRefreshWindow is how long before expiry a token gets refreshed.
const DefaultRefreshWindow = 60 * time.Second

const errCodeInvalidGrant = "invalid_grant"

// Coordinator makes sure each audience holds a usable token. It serializes
// every check, refresh and header assignment, so concurrent callers asking
// for the same audience cause at most one refresh.
type Coordinator struct {
	cfg        *Config
	session    *Session
	store      *TokenStore
	handshake  *Handshake
	dispatcher *Dispatcher
	logger     hclog.Logger
	metrics    *Metrics

	refreshWindow time.Duration
	strict        bool
	now           func() time.Time

	mu sync.Mutex
}

type coordinatorOptions struct {
	withLogger             hclog.Logger
	withMetrics            *Metrics
	withStrictVerification bool
	withRefreshWindow      time.Duration
	withNow                func() time.Time
}

func coordinatorDefaults() coordinatorOptions {
	return coordinatorOptions{
		withLogger:        hclog.NewNullLogger(),
		withRefreshWindow: DefaultRefreshWindow,
		withNow:           time.Now,
	}
}

func getCoordinatorOpts(opt ...Option) coordinatorOptions {
	opts := coordinatorDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// NewCoordinator creates a Coordinator.
//
// Supported options: WithLogger, WithMetrics, WithStrictVerification,
// WithRefreshWindow, WithNow
func NewCoordinator(cfg *Config, s *Session, store *TokenStore, hs *Handshake, d *Dispatcher, opt ...Option) (*Coordinator, error) {
	const op = "NewCoordinator"
	switch {
	case cfg == nil:
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	case s == nil:
		return nil, fmt.Errorf("%s: session is nil: %w", op, ErrNilParameter)
	case store == nil:
		return nil, fmt.Errorf("%s: token store is nil: %w", op, ErrNilParameter)
	case hs == nil:
		return nil, fmt.Errorf("%s: handshake is nil: %w", op, ErrNilParameter)
	case d == nil:
		return nil, fmt.Errorf("%s: dispatcher is nil: %w", op, ErrNilParameter)
	}
	opts := getCoordinatorOpts(opt...)
	if opts.withRefreshWindow < 0 {
		return nil, fmt.Errorf("%s: refresh window is negative: %w", op, ErrInvalidParameter)
	}
	return &Coordinator{
		cfg:           cfg,
		session:       s,
		store:         store,
		handshake:     hs,
		dispatcher:    d,
		logger:        opts.withLogger,
		metrics:       opts.withMetrics,
		refreshWindow: opts.withRefreshWindow,
		strict:        opts.withStrictVerification,
		now:           opts.withNow,
	}, nil
}

// Login discards all tokens, cookies and bearer headers and runs the
// handshake. The primary tokens are only stored when it succeeds.
func (c *Coordinator) Login(ctx context.Context) error {
	const op = "Coordinator.Login"
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Clear()
	if err := c.session.Reset(); err != nil {
		return NewError(KindHandshake, WithOp(op), WithWrap(err))
	}
	ts, err := c.handshake.Login(ctx)
	if err != nil {
		return err
	}
	if err := c.store.Put(AudiencePrimary, ts); err != nil {
		return NewError(KindHandshake, WithOp(op), WithWrap(err))
	}
	c.logger.Info("logged in", "username", c.cfg.Username)
	return nil
}

// Ensure makes sure aud holds a usable token, authorizing or refreshing as
// needed, and makes it the session's bearer token.
func (c *Coordinator) Ensure(ctx context.Context, aud Audience) error {
	_, err := c.Authorize(ctx, aud)
	return err
}

// Authorize is Ensure, returning the headers it assigned. Callers sending
// them with a request are unaffected by concurrent Ensure calls for other
// audiences.
func (c *Coordinator) Authorize(ctx context.Context, aud Audience) (http.Header, error) {
	ts, err := c.ensure(ctx, aud)
	if err != nil {
		return nil, err
	}
	return bearerHeaders(aud, ts), nil
}

func bearerHeaders(aud Audience, ts *TokenSet) http.Header {
	h := http.Header{}
	h.Set(headerAuthorization, "Bearer "+string(ts.AccessToken))
	h.Set(headerTokenType, aud.TokenType())
	return h
}

func (c *Coordinator) ensure(ctx context.Context, aud Audience) (*TokenSet, error) {
	const op = "Coordinator.Ensure"
	if !aud.Known() {
		return nil, NewError(KindConfig, WithOp(op), WithMsg(fmt.Sprintf("unknown audience %q", aud)))
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.store.Get(aud)
	if !ok {
		c.logger.Debug("no tokens held, authorizing", "audience", aud)
		if err := c.authorize(ctx, aud); err != nil {
			return nil, NewError(KindAuthentication, WithOp(op), WithMsg(fmt.Sprintf("unable to authorize %s", aud)), WithWrap(err))
		}
		ts, _ = c.store.Get(aud)
	}
	if !c.usable(ts) {
		c.logger.Debug("token expired or about to expire, refreshing", "audience", aud)
		if err := c.refresh(ctx, aud, ts); err != nil {
			return nil, NewError(KindTokenExpired, WithOp(op), WithMsg(fmt.Sprintf("unable to refresh %s tokens", aud)), WithWrap(err))
		}
		ts, _ = c.store.Get(aud)
	}
	if ts == nil {
		return nil, NewError(KindTokenExpired, WithOp(op), WithWrap(ErrMissingToken))
	}
	if c.strict && ts.Verification != jwt.StatusVerified {
		return nil, NewError(KindAuthentication, WithOp(op), WithMsg(fmt.Sprintf("%s token signature is %s", aud, ts.Verification)), WithWrap(ErrUnverifiedToken))
	}
	c.session.SetHeader(headerAuthorization, "Bearer "+string(ts.AccessToken))
	c.session.SetHeader(headerTokenType, aud.TokenType())
	return ts, nil
}

func (c *Coordinator) usable(ts *TokenSet) bool {
	if ts == nil {
		return false
	}
	if _, ok := jwt.ValidUntil(string(ts.AccessToken), jwt.WithExpirySkew(c.refreshWindow), jwt.WithNow(c.now)); !ok {
		return false
	}
	if c.strict && ts.Verification != jwt.StatusVerified {
		c.logger.Warn("token signature not verified", "verification", ts.Verification)
		return false
	}
	return true
}

// authorize must be called with c.mu held.
func (c *Coordinator) authorize(ctx context.Context, aud Audience) error {
	const op = "Coordinator.authorize"
	if !aud.Derived() {
		ts, err := c.handshake.Login(ctx)
		if err != nil {
			return err
		}
		if err := c.store.Put(aud, ts); err != nil {
			return NewError(KindHandshake, WithOp(op), WithWrap(err))
		}
		return nil
	}
	err := c.exchange(ctx, aud)
	c.metrics.token(aud, "exchange", err)
	return err
}

// exchange trades the primary id_token for aud's tokens. It must be called
// with c.mu held.
func (c *Coordinator) exchange(ctx context.Context, aud Audience) error {
	const op = "Coordinator.exchange"
	primary, ok := c.store.Get(AudiencePrimary)
	if !ok {
		if err := c.authorize(ctx, AudiencePrimary); err != nil {
			return err
		}
		primary, _ = c.store.Get(AudiencePrimary)
	}
	if _, valid := jwt.ValidUntil(string(primary.IdToken), jwt.WithNow(c.now)); !valid {
		c.logger.Debug("primary id_token expired, refreshing before exchange")
		if err := c.refresh(ctx, AudiencePrimary, primary); err != nil {
			return err
		}
		primary, _ = c.store.Get(AudiencePrimary)
	}
	if primary.IdToken == "" {
		return NewError(KindAuthentication, WithOp(op), WithMsg("primary id_token"), WithWrap(ErrMissingToken))
	}

	form := url.Values{}
	form.Set("token", string(primary.IdToken))
	form.Set("grant_type", "id_token")
	form.Set("scope", c.cfg.ServiceScope)
	resp, body, err := roundTrip(ctx, c.session.NoRedirectClient(), http.MethodPost, c.cfg.Endpoints.ServiceToken, c.session.tokenHeaders(aud), form)
	if err != nil {
		return NewError(KindServiceUnavailable, WithOp(op), WithMsg("token exchange failed"), WithWrap(err))
	}
	if resp.StatusCode != http.StatusOK {
		k := KindRequest
		if resp.StatusCode >= http.StatusInternalServerError {
			k = KindServiceUnavailable
		}
		return NewError(k, WithOp(op), WithMsg(fmt.Sprintf("token exchange returned %d", resp.StatusCode)), WithStatusCode(resp.StatusCode))
	}
	ts, err := c.decodeTokens(ctx, aud, body)
	if err != nil {
		return NewError(KindAuthentication, WithOp(op), WithWrap(err))
	}
	if err := c.store.Put(aud, ts); err != nil {
		return NewError(KindAuthentication, WithOp(op), WithWrap(err))
	}
	return nil
}

// refresh must be called with c.mu held.
func (c *Coordinator) refresh(ctx context.Context, aud Audience, ts *TokenSet) error {
	err := c.doRefresh(ctx, aud, ts)
	c.metrics.token(aud, "refresh", err)
	return err
}

func (c *Coordinator) doRefresh(ctx context.Context, aud Audience, ts *TokenSet) error {
	const op = "Coordinator.refresh"
	if ts == nil || ts.RefreshToken == "" {
		if aud.Derived() {
			return c.exchange(ctx, aud)
		}
		return NewError(KindTokenExpired, WithOp(op), WithMsg("no refresh token held"), WithWrap(ErrMissingToken))
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	endpoint := c.cfg.Endpoints.TokenRefresh
	switch {
	case aud.Derived():
		endpoint = c.cfg.Endpoints.ServiceToken
		form.Set("scope", c.cfg.ServiceScope)
		form.Set("token", string(ts.RefreshToken))
	default:
		form.Set("brand", c.cfg.Brand)
		form.Set("refresh_token", string(ts.RefreshToken))
	}
	resp, body, err := roundTrip(ctx, c.session.NoRedirectClient(), http.MethodPost, endpoint, c.session.tokenHeaders(aud), form)
	if err != nil {
		return NewError(KindServiceUnavailable, WithOp(op), WithMsg("refresh request failed"), WithWrap(err))
	}

	switch resp.StatusCode {
	case http.StatusOK:
		update, err := c.decodeTokens(ctx, aud, body)
		if err != nil {
			return NewError(KindTokenExpired, WithOp(op), WithWrap(err))
		}
		if err := c.store.Put(aud, ts.Merge(update)); err != nil {
			return NewError(KindTokenExpired, WithOp(op), WithWrap(err))
		}
		c.logger.Debug("tokens refreshed", "audience", aud)
		return nil
	case http.StatusBadRequest, http.StatusUnauthorized:
		if bundle, err := decodeBundle(body); err == nil && bundle["error"] == errCodeInvalidGrant && aud.Derived() {
			c.logger.Debug("refresh token rejected, exchanging the id_token again", "audience", aud)
			c.store.Delete(aud)
			return c.exchange(ctx, aud)
		}
	}
	return NewError(KindTokenExpired, WithOp(op), WithMsg(fmt.Sprintf("refresh returned %d", resp.StatusCode)), WithStatusCode(resp.StatusCode))
}

// decodeTokens parses a token endpoint response and verifies the access
// token. A failed verification is logged, not returned.
func (c *Coordinator) decodeTokens(ctx context.Context, aud Audience, body []byte) (*TokenSet, error) {
	bundle, err := decodeBundle(body)
	if err != nil {
		return nil, fmt.Errorf("unable to decode token response: %w", err)
	}
	if err := bundleError(bundle); err != nil {
		return nil, err
	}
	ts, err := NewTokenSet(bundle)
	if err != nil {
		return nil, err
	}
	ts.Verification, err = c.store.Verify(c.session.ClientContext(ctx), string(ts.AccessToken))
	if ts.Verification != jwt.StatusVerified {
		c.logger.Warn("token could not be verified", "audience", aud, "verification", ts.Verification, "error", err)
	}
	return ts, nil
}

// Revoke revokes every held token and drops the bearer headers. Tokens
// which were revoked are removed from the store; the rest are kept and
// their failures returned together.
func (c *Coordinator) Revoke(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result *multierror.Error
	for _, aud := range c.store.Audiences() {
		ts, ok := c.store.Get(aud)
		if !ok {
			continue
		}
		err := c.revoke(ctx, aud, ts)
		c.metrics.token(aud, "revoke", err)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		c.store.Delete(aud)
	}
	c.session.DelHeader(headerAuthorization)
	c.session.DelHeader(headerTokenType)
	return result.ErrorOrNil()
}

func (c *Coordinator) revoke(ctx context.Context, aud Audience, ts *TokenSet) error {
	const op = "Coordinator.revoke"
	type revocation struct {
		endpoint string
		form     url.Values
	}
	var todo []revocation
	switch {
	case aud.Derived():
		for hint, tk := range map[string]string{"access_token": string(ts.AccessToken), "refresh_token": string(ts.RefreshToken)} {
			if tk == "" {
				continue
			}
			todo = append(todo, revocation{c.cfg.Endpoints.ServiceRevoke, url.Values{"token": {tk}, "token_type_hint": {hint}}})
		}
	case ts.RefreshToken != "":
		todo = append(todo, revocation{c.cfg.Endpoints.TokenRevoke, url.Values{"token": {string(ts.RefreshToken)}, "brand": {c.cfg.Brand}}})
	}
	for _, r := range todo {
		out, err := c.dispatcher.Post(ctx, r.endpoint, WithForm(r.form), WithHeaders(c.session.tokenHeaders(aud)))
		if err != nil {
			return NewError(KindRequest, WithOp(op), WithMsg(fmt.Sprintf("unable to revoke %s tokens", aud)), WithWrap(err))
		}
		if out.StatusCode != http.StatusOK {
			return NewError(KindRequest, WithOp(op), WithMsg(fmt.Sprintf("unable to revoke %s tokens", aud)), WithWrap(out.Err()), WithStatusCode(out.StatusCode))
		}
	}
	return nil
}

// TokenSource returns an oauth2.TokenSource handing out aud's access token,
// ensured with ctx.
func (c *Coordinator) TokenSource(ctx context.Context, aud Audience) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, c: c, aud: aud}
}

type tokenSource struct {
	ctx context.Context
	c   *Coordinator
	aud Audience
}

// Token implements oauth2.TokenSource.
func (s *tokenSource) Token() (*oauth2.Token, error) {
	ts, err := s.c.ensure(s.ctx, s.aud)
	if err != nil {
		return nil, err
	}
	return ts.OAuth2Token(), nil
}
