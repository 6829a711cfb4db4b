// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package connect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/carconnect/jwt"
	"github.com/hashicorp/carconnect/sdk/id"
	"github.com/hashicorp/go-hclog"
)

const (
	maxRedirects = 10

	signInMarker      = "signin-service"
	termsMarker       = "terms-and-conditions"
	emailFormID       = "emailPasswordForm"
	credentialsFormID = "credentialsForm"

	errCodeThrottled       = "login.error.throttled"
	errCodePasswordInvalid = "login.errors.password_invalid"
	lockoutParam           = "enableNextButtonAfterSeconds"
)

// Handshake signs in to the identity provider the way the mobile app does:
// it requests authorization, fills in the provider's sign-in forms, follows
// the redirects until the provider sends the browser to the redirect uri
// and exchanges the authorization code for the primary tokens.
type Handshake struct {
	cfg     *Config
	session *Session
	store   *TokenStore
	scraper FormScraper
	logger  hclog.Logger
	metrics *Metrics
}

type handshakeOptions struct {
	withLogger      hclog.Logger
	withFormScraper FormScraper
	withMetrics     *Metrics
}

func handshakeDefaults() handshakeOptions {
	return handshakeOptions{
		withLogger:      hclog.NewNullLogger(),
		withFormScraper: HTMLFormScraper{},
	}
}

func getHandshakeOpts(opt ...Option) handshakeOptions {
	opts := handshakeDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// NewHandshake creates a Handshake.
//
// Supported options: WithLogger, WithFormScraper, WithMetrics
func NewHandshake(cfg *Config, s *Session, store *TokenStore, opt ...Option) (*Handshake, error) {
	const op = "NewHandshake"
	switch {
	case cfg == nil:
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	case s == nil:
		return nil, fmt.Errorf("%s: session is nil: %w", op, ErrNilParameter)
	case store == nil:
		return nil, fmt.Errorf("%s: token store is nil: %w", op, ErrNilParameter)
	}
	opts := getHandshakeOpts(opt...)
	return &Handshake{
		cfg:     cfg,
		session: s,
		store:   store,
		scraper: opts.withFormScraper,
		logger:  opts.withLogger,
		metrics: opts.withMetrics,
	}, nil
}

// handshakeState lives for a single Login attempt.
type handshakeState struct {
	nonce        string
	state        string
	issuer       string
	authEndpoint string
	headers      http.Header
	hops         int
}

// Login runs the handshake and returns the primary tokens. Nothing is
// stored; failures carry the Kind explaining why the provider refused.
func (h *Handshake) Login(ctx context.Context) (*TokenSet, error) {
	ts, err := h.login(ctx)
	h.metrics.login(err)
	if err != nil {
		h.logLoginFailure(err)
		return nil, err
	}
	return ts, nil
}

func (h *Handshake) login(ctx context.Context) (*TokenSet, error) {
	const op = "Handshake.Login"
	st, err := h.newState()
	if err != nil {
		return nil, NewError(KindHandshake, WithOp(op), WithWrap(err))
	}
	if err := h.discover(ctx, st); err != nil {
		return nil, err
	}
	location, err := h.authorize(ctx, st)
	if err != nil {
		return nil, err
	}
	callback, err := h.follow(ctx, st, location)
	if err != nil {
		return nil, err
	}
	h.metrics.redirects(st.hops)
	return h.exchange(ctx, st, callback)
}

func (h *Handshake) newState() (*handshakeState, error) {
	nonce, err := id.NewNonce()
	if err != nil {
		return nil, fmt.Errorf("unable to generate nonce: %v: %w", err, ErrIdGeneratorFailed)
	}
	state, err := id.NewNonce()
	if err != nil {
		return nil, fmt.Errorf("unable to generate state: %v: %w", err, ErrIdGeneratorFailed)
	}
	return &handshakeState{
		nonce:   nonce,
		state:   state,
		headers: h.session.authHeaders(),
	}, nil
}

func (h *Handshake) discover(ctx context.Context, st *handshakeState) error {
	const op = "Handshake.discover"
	resp, body, err := roundTrip(ctx, h.session.Client(), http.MethodGet, h.cfg.Endpoints.Discovery, nil, nil)
	if err != nil {
		return NewError(KindServiceUnavailable, WithOp(op), WithMsg("discovery request failed"), WithWrap(err))
	}
	if resp.StatusCode != http.StatusOK {
		return NewError(KindServiceUnavailable, WithOp(op), WithMsg(fmt.Sprintf("discovery returned %d", resp.StatusCode)), WithStatusCode(resp.StatusCode))
	}
	var doc struct {
		Issuer                string `json:"issuer"`
		AuthorizationEndpoint string `json:"authorization_endpoint"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return NewError(KindServiceUnavailable, WithOp(op), WithMsg("unable to decode discovery document"), WithWrap(err))
	}
	if doc.Issuer == "" || doc.AuthorizationEndpoint == "" {
		return NewError(KindServiceUnavailable, WithOp(op), WithMsg("discovery document is incomplete"))
	}
	st.issuer = doc.Issuer
	st.authEndpoint = doc.AuthorizationEndpoint
	return nil
}

// authorize requests authorization and, when the provider asks for it,
// signs in. It returns the location to continue from.
func (h *Handshake) authorize(ctx context.Context, st *handshakeState) (string, error) {
	const op = "Handshake.authorize"
	u, err := url.Parse(st.authEndpoint)
	if err != nil {
		return "", NewError(KindHandshake, WithOp(op), WithMsg("invalid authorization endpoint"), WithWrap(err))
	}
	q := u.Query()
	q.Set("redirect_uri", h.cfg.RedirectURI)
	q.Set("nonce", st.nonce)
	q.Set("state", st.state)
	q.Set("response_type", h.cfg.ResponseType)
	q.Set("client_id", h.cfg.ClientID)
	q.Set("scope", h.cfg.scope())
	if locales := h.cfg.uiLocales(); locales != "" {
		q.Set("ui_locales", locales)
	}
	u.RawQuery = q.Encode()

	resp, _, err := roundTrip(ctx, h.session.NoRedirectClient(), http.MethodGet, u.String(), st.headers, nil)
	if err != nil {
		return "", NewError(KindServiceUnavailable, WithOp(op), WithMsg("authorization request failed"), WithWrap(err))
	}
	ref, err := resp.Location()
	if err != nil {
		return "", NewError(KindHandshake, WithOp(op), WithMsg(`missing "location" header`), WithStatusCode(resp.StatusCode))
	}
	if e := ref.Query().Get("error"); e != "" {
		msg := e
		if d := ref.Query().Get("error_description"); d != "" {
			msg = d
		}
		k := KindLoginFailed
		switch e {
		case "access_denied", "invalid_client", "unauthorized_client":
			k = KindAuthentication
		}
		return "", NewError(k, WithOp(op), WithMsg(msg))
	}

	page, body, err := roundTrip(ctx, h.session.NoRedirectClient(), http.MethodGet, ref.String(), st.headers, nil)
	if err != nil {
		return "", NewError(KindServiceUnavailable, WithOp(op), WithMsg("unable to load sign-in page"), WithWrap(err))
	}
	if !strings.Contains(ref.String(), signInMarker) {
		h.logger.Debug("already signed in, skipping sign-in forms")
		next, err := page.Location()
		if err != nil {
			return "", NewError(KindAuthentication, WithOp(op), WithMsg("user appears unauthorized"), WithStatusCode(page.StatusCode))
		}
		return next.String(), nil
	}
	return h.signIn(ctx, st, body)
}

func (h *Handshake) signIn(ctx context.Context, st *handshakeState, page []byte) (string, error) {
	const op = "Handshake.signIn"
	email, err := h.scraper.Form(bytes.NewReader(page), emailFormID)
	if err != nil {
		return "", NewError(KindLoginFailed, WithOp(op), WithMsg("server did not return a login form"), WithWrap(err))
	}
	emailURL, err := resolveAction(st.issuer, email.Action)
	if err != nil {
		return "", NewError(KindLoginFailed, WithOp(op), WithWrap(err))
	}
	email.Fields.Set("email", h.cfg.Username)
	st.headers.Set("Referer", st.authEndpoint)
	st.headers.Set("Origin", st.issuer)
	h.logger.Debug("submitting username", "username", h.cfg.Username)
	resp, body, err := roundTrip(ctx, h.session.Client(), http.MethodPost, emailURL, st.headers, email.Fields)
	if err != nil {
		return "", NewError(KindServiceUnavailable, WithOp(op), WithMsg("username request failed"), WithWrap(err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", NewError(KindLoginFailed, WithOp(op), WithMsg(fmt.Sprintf("username request returned %d", resp.StatusCode)), WithStatusCode(resp.StatusCode))
	}

	creds, err := h.scraper.Form(bytes.NewReader(body), credentialsFormID)
	switch {
	case errors.Is(err, ErrFormNotFound):
		return "", NewError(KindAuthentication, WithOp(op), WithMsg("invalid username"), WithWrap(err))
	case err != nil:
		return "", NewError(KindAuthentication, WithOp(op), WithMsg("invalid username or service unavailable"), WithWrap(err))
	}
	credsURL, err := resolveAction(st.issuer, creds.Action)
	if err != nil {
		return "", NewError(KindLoginFailed, WithOp(op), WithWrap(err))
	}
	creds.Fields.Set("password", string(h.cfg.Password))
	st.headers.Set("Referer", emailURL)
	st.headers.Set("Origin", st.issuer)
	h.logger.Debug("submitting password")
	resp, _, err = roundTrip(ctx, h.session.NoRedirectClient(), http.MethodPost, credsURL, st.headers, creds.Fields)
	if err != nil {
		return "", NewError(KindServiceUnavailable, WithOp(op), WithMsg("password request failed"), WithWrap(err))
	}
	next, err := resp.Location()
	if err != nil {
		return "", NewError(KindLoginFailed, WithOp(op), WithMsg("password request was not redirected"), WithStatusCode(resp.StatusCode))
	}
	return next.String(), nil
}

// follow walks the redirect chain until it reaches the redirect uri.
func (h *Handshake) follow(ctx context.Context, st *handshakeState, location string) (string, error) {
	const op = "Handshake.follow"
	for !strings.HasPrefix(location, h.cfg.RedirectURI) {
		if err := classifyLocation(location); err != nil {
			return "", err
		}
		if h.cfg.Debug {
			h.logger.Debug("following redirect", "location", location)
		}
		resp, _, err := roundTrip(ctx, h.session.NoRedirectClient(), http.MethodGet, location, st.headers, nil)
		if err != nil {
			return "", NewError(KindServiceUnavailable, WithOp(op), WithMsg("redirect request failed"), WithWrap(err))
		}
		next, err := resp.Location()
		if err != nil {
			return "", NewError(KindAuthentication, WithOp(op), WithMsg("user appears unauthorized"), WithStatusCode(resp.StatusCode))
		}
		location = next.String()
		st.hops++
		if st.hops >= maxRedirects {
			return "", NewError(KindHandshake, WithOp(op), WithMsg("too many redirects"))
		}
	}
	return location, nil
}

// classifyLocation maps provider errors carried by a redirect location.
func classifyLocation(location string) error {
	const op = "classifyLocation"
	u, err := url.Parse(location)
	if err != nil {
		return NewError(KindHandshake, WithOp(op), WithMsg("invalid redirect location"), WithWrap(err))
	}
	q := u.Query()
	switch e := q.Get("error"); e {
	case "":
	case errCodeThrottled:
		n, err := strconv.Atoi(q.Get(lockoutParam))
		if err != nil || n <= 0 {
			return NewError(KindAccountLocked, WithOp(op), WithMsg("account is temporarily locked"))
		}
		return NewError(KindAccountLocked, WithOp(op),
			WithMsg(fmt.Sprintf("account is locked for another %d seconds", n)),
			WithRetryAfter(time.Duration(n)*time.Second))
	case errCodePasswordInvalid:
		return NewError(KindAuthentication, WithOp(op), WithMsg("invalid credentials"))
	default:
		return NewError(KindLoginFailed, WithOp(op), WithMsg(e))
	}
	if strings.Contains(location, termsMarker) {
		return NewError(KindEULARequired, WithOp(op), WithMsg("the terms and conditions must be accepted first"))
	}
	return nil
}

func (h *Handshake) exchange(ctx context.Context, st *handshakeState, callback string) (*TokenSet, error) {
	const op = "Handshake.exchange"
	u, err := url.Parse(callback)
	if err != nil {
		return nil, NewError(KindHandshake, WithOp(op), WithMsg("invalid callback"), WithWrap(err))
	}
	params, err := url.ParseQuery(u.Fragment)
	if err != nil || (params.Get("code") == "" && params.Get("error") == "") {
		params = u.Query()
	}
	if e := params.Get("error"); e != "" {
		msg := e
		if d := params.Get("error_description"); d != "" {
			msg = d
		}
		return nil, NewError(KindLoginFailed, WithOp(op), WithMsg(msg))
	}
	if s := params.Get("state"); s != "" && s != st.state {
		return nil, NewError(KindHandshake, WithOp(op), WithMsg("callback state doesn't match the request"))
	}
	code := params.Get("code")
	if code == "" {
		return nil, NewError(KindHandshake, WithOp(op), WithMsg("callback is missing the authorization code"))
	}

	form := url.Values{}
	form.Set("auth_code", code)
	form.Set("id_token", params.Get("id_token"))
	form.Set("brand", h.cfg.Brand)
	resp, body, err := roundTrip(ctx, h.session.NoRedirectClient(), http.MethodPost, h.cfg.Endpoints.TokenExchange, h.session.tokenHeaders(AudiencePrimary), form)
	if err != nil {
		return nil, NewError(KindServiceUnavailable, WithOp(op), WithMsg("token exchange failed"), WithWrap(err))
	}
	if resp.StatusCode != http.StatusOK {
		k := KindHandshake
		if resp.StatusCode >= http.StatusInternalServerError {
			k = KindServiceUnavailable
		}
		return nil, NewError(k, WithOp(op), WithMsg(fmt.Sprintf("token exchange returned %d", resp.StatusCode)), WithStatusCode(resp.StatusCode))
	}
	bundle, err := decodeBundle(body)
	if err != nil {
		return nil, NewError(KindHandshake, WithOp(op), WithMsg("unable to decode token exchange response"), WithWrap(err))
	}
	if err := bundleError(bundle); err != nil {
		return nil, NewError(KindHandshake, WithOp(op), WithWrap(err))
	}
	ts, err := NewTokenSet(bundle)
	if err != nil {
		return nil, NewError(KindHandshake, WithOp(op), WithWrap(err))
	}

	ctx = h.session.ClientContext(ctx)
	if ts.IdToken != "" {
		status, err := h.store.Verify(ctx, string(ts.IdToken))
		h.logVerification(AudiencePrimary, "id_token", status, err)
	}
	ts.Verification, err = h.store.Verify(ctx, string(ts.AccessToken))
	h.logVerification(AudiencePrimary, "access_token", ts.Verification, err)
	return ts, nil
}

func (h *Handshake) logVerification(aud Audience, name string, status jwt.Status, err error) {
	switch status {
	case jwt.StatusVerified:
		h.logger.Debug("token verified", "audience", aud, "token", name)
	case jwt.StatusExpired:
		h.logger.Warn("token is expired", "audience", aud, "token", name)
	default:
		h.logger.Warn("token could not be verified", "audience", aud, "token", name, "error", err)
	}
}

func (h *Handshake) logLoginFailure(err error) {
	switch {
	case errors.Is(err, KindEULARequired):
		h.logger.Warn("login failed, the terms and conditions might have been updated and need to be accepted")
	case errors.Is(err, KindAccountLocked):
		h.logger.Warn("account is locked, probably because of too many incorrect login attempts", "error", err)
	case errors.Is(err, KindAuthentication):
		h.logger.Warn("invalid credentials or invalid configuration", "error", err)
	default:
		h.logger.Error("login failed", "error", err)
	}
}

// roundTrip performs a request outside the Dispatcher and reads the whole
// body. A non-nil form is sent url encoded.
func roundTrip(ctx context.Context, c *http.Client, method, target string, headers http.Header, form url.Values) (*http.Response, []byte, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, nil, err
	}
	if headers != nil {
		req.Header = headers.Clone()
	}
	if form != nil {
		req.Header.Set("Content-Type", formType)
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, nil, err
	}
	return resp, b, nil
}

// resolveAction makes a form action absolute. Relative actions are relative
// to the issuer.
func resolveAction(issuer, action string) (string, error) {
	const op = "resolveAction"
	if action == "" {
		return "", fmt.Errorf("%s: form has no action: %w", op, ErrInvalidParameter)
	}
	if u, err := url.Parse(action); err == nil && u.IsAbs() {
		return action, nil
	}
	return strings.TrimSuffix(issuer, "/") + "/" + strings.TrimPrefix(action, "/"), nil
}

func decodeBundle(body []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	bundle := map[string]interface{}{}
	if err := dec.Decode(&bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

// bundleError returns the error a token endpoint reported in its body.
func bundleError(bundle map[string]interface{}) error {
	e, _ := bundle["error"].(string)
	if e == "" {
		return nil
	}
	if d, _ := bundle["error_description"].(string); d != "" {
		return fmt.Errorf("%s - %s", e, d)
	}
	return errors.New(e)
}
