// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package connect

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	sdkhttp "github.com/hashicorp/carconnect/sdk/http"
	"github.com/hashicorp/go-hclog"
)

const (
	headerAuthorization = "Authorization"
	headerTokenType     = "tokentype"

	acceptHTML = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	acceptJSON = "application/json"
	formType   = "application/x-www-form-urlencoded"
	jsonType   = "application/json"

	// DefaultTimeout bounds every http call.
	DefaultTimeout = 30 * time.Second
)

// Session is the state shared by every call a Client makes: the default
// headers sent to the service and a cookie jar that accumulates cookies
// across the handshake and later calls.
type Session struct {
	cfg      *Config
	client   *http.Client
	noFollow *http.Client
	jar      *sdkhttp.Jar
	logger   hclog.Logger

	mu      sync.RWMutex
	headers http.Header
}

type sessionOptions struct {
	withLogger  hclog.Logger
	withTimeout time.Duration
}

func sessionDefaults() sessionOptions {
	return sessionOptions{
		withLogger:  hclog.NewNullLogger(),
		withTimeout: DefaultTimeout,
	}
}

func getSessionOpts(opt ...Option) sessionOptions {
	opts := sessionDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// NewSession creates a Session for cfg.
//
// Supported options: WithLogger, WithTimeout
func NewSession(cfg *Config, opt ...Option) (*Session, error) {
	const op = "NewSession"
	if cfg == nil {
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	opts := getSessionOpts(opt...)
	client, err := sdkhttp.NewClient(cfg.ProviderCA)
	if err != nil {
		return nil, NewError(KindConfig, WithOp(op), WithMsg("unable to create http client"), WithWrap(err))
	}
	jar, err := sdkhttp.NewJar()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create cookie jar: %w", op, err)
	}
	client.Jar = jar
	client.Timeout = opts.withTimeout

	s := &Session{
		cfg:      cfg,
		client:   client,
		noFollow: sdkhttp.NoRedirect(client),
		jar:      jar,
		logger:   opts.withLogger,
	}
	s.headers = s.defaultHeaders()
	return s, nil
}

func (s *Session) defaultHeaders() http.Header {
	h := http.Header{}
	h.Set("Accept", acceptJSON)
	h.Set("Accept-Charset", "UTF-8")
	h.Set("X-Client-Id", s.cfg.ServiceClientID)
	h.Set("X-App-Version", s.cfg.AppVersion)
	h.Set("X-App-Name", s.cfg.AppName)
	h.Set("User-Agent", s.cfg.UserAgent)
	return h
}

// Client returns the http client which follows redirects.
func (s *Session) Client() *http.Client { return s.client }

// NoRedirectClient returns the http client which hands redirects back to the
// caller.
func (s *Session) NoRedirectClient() *http.Client { return s.noFollow }

// ClientContext returns ctx carrying the session's client, so key sets are
// fetched the way every other provider request is.
func (s *Session) ClientContext(ctx context.Context) context.Context {
	return sdkhttp.ClientContext(ctx, s.client)
}

// Jar returns the session's cookie jar.
func (s *Session) Jar() *sdkhttp.Jar { return s.jar }

// Headers returns a copy of the headers sent with service calls.
func (s *Session) Headers() http.Header {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.headers.Clone()
}

// Header returns a single session header.
func (s *Session) Header(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.headers.Get(key)
}

// SetHeader sets a session header.
func (s *Session) SetHeader(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers.Set(key, value)
}

// DelHeader removes a session header.
func (s *Session) DelHeader(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers.Del(key)
}

// Reset drops all cookies and restores the default headers.
func (s *Session) Reset() error {
	const op = "Session.Reset"
	if err := s.jar.Reset(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers = s.defaultHeaders()
	return nil
}

// authHeaders are sent with every handshake request.
func (s *Session) authHeaders() http.Header {
	h := http.Header{}
	h.Set("Accept", acceptHTML)
	h.Set("User-Agent", s.cfg.UserAgent)
	h.Set("X-Requested-With", s.cfg.AppName)
	return h
}

// tokenHeaders are sent to the token endpoints. Service endpoints also get
// the app's client id.
func (s *Session) tokenHeaders(aud Audience) http.Header {
	h := http.Header{}
	h.Set("Accept", acceptJSON)
	h.Set("Accept-Charset", "UTF-8")
	h.Set("X-Platform", "Android")
	h.Set("User-Agent", s.cfg.UserAgent)
	if aud.Derived() {
		h.Set("X-Client-Id", s.cfg.ServiceClientID)
	}
	return h
}
