// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package connect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/carconnect/sdk/id"
	"github.com/hashicorp/go-hclog"
)

const (
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	maxResponseSize          = 10 << 20
)

// Class classifies a response status.
type Class int

const (
	ClassSuccess Class = iota
	ClassNoContent
	ClassBadRequest
	ClassUnauthorized
	ClassThrottled
	ClassServiceUnavailable
	ClassUnsupported
	ClassFailed
	ClassTransport
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassNoContent:
		return "no_content"
	case ClassBadRequest:
		return "bad_request"
	case ClassUnauthorized:
		return "unauthorized"
	case ClassThrottled:
		return "throttled"
	case ClassServiceUnavailable:
		return "service_unavailable"
	case ClassUnsupported:
		return "unsupported"
	case ClassTransport:
		return "transport"
	default:
		return "failed"
	}
}

func classify(status int) Class {
	switch {
	case status == http.StatusNoContent:
		return ClassNoContent
	case status >= 200 && status < 300:
		return ClassSuccess
	case status == http.StatusBadRequest:
		return ClassBadRequest
	case status == http.StatusUnauthorized:
		return ClassUnauthorized
	case status == http.StatusTooManyRequests:
		return ClassThrottled
	case status == http.StatusInternalServerError:
		return ClassServiceUnavailable
	case status == http.StatusBadGateway:
		return ClassUnsupported
	default:
		return ClassFailed
	}
}

// Outcome is the normalized result of a dispatched request.
type Outcome struct {
	StatusCode int
	Class      Class

	// Body is the decoded response: a map for xml and JSON objects,
	// whatever JSON decodes to otherwise, nil when there's no body.
	// JSON numbers are kept as json.Number.
	Body interface{}

	// Revoked reports the result of a call to a revoke endpoint that
	// answered without a body.
	Revoked bool

	// RateLimitRemaining is set when the service reported it.
	RateLimitRemaining *int

	Header http.Header
}

// OK reports whether the request succeeded.
func (o *Outcome) OK() bool {
	return o != nil && (o.Class == ClassSuccess || o.Class == ClassNoContent)
}

// Object returns the body when it's a JSON object or xml document.
func (o *Outcome) Object() map[string]interface{} {
	if o == nil {
		return nil
	}
	m, _ := o.Body.(map[string]interface{})
	return m
}

// Err converts an unsuccessful outcome to an Err of the matching kind. A 401
// is KindUnauthorized: the caller should Ensure the audience and retry.
func (o *Outcome) Err() error {
	const op = "Outcome.Err"
	if o == nil {
		return NewError(KindDispatch, WithOp(op), WithWrap(ErrNilParameter))
	}
	var k Kind
	switch o.Class {
	case ClassSuccess, ClassNoContent:
		return nil
	case ClassBadRequest:
		k = KindInvalidRequest
	case ClassUnauthorized:
		k = KindUnauthorized
	case ClassThrottled:
		k = KindThrottled
	case ClassServiceUnavailable:
		k = KindServiceUnavailable
	case ClassUnsupported:
		k = KindUnsupportedOperation
	default:
		k = KindRequest
	}
	return NewError(k, WithOp(op), WithMsg(fmt.Sprintf("%s (status %d)", k, o.StatusCode)), WithStatusCode(o.StatusCode))
}

// Dispatcher performs http calls with the session's headers and cookies and
// normalizes the responses.
type Dispatcher struct {
	session *Session
	logger  hclog.Logger
	metrics *Metrics
	timeout time.Duration
}

type dispatcherOptions struct {
	withLogger  hclog.Logger
	withMetrics *Metrics
	withTimeout time.Duration
}

func dispatcherDefaults() dispatcherOptions {
	return dispatcherOptions{
		withLogger:  hclog.NewNullLogger(),
		withTimeout: DefaultTimeout,
	}
}

func getDispatcherOpts(opt ...Option) dispatcherOptions {
	opts := dispatcherDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// NewDispatcher creates a Dispatcher for s.
//
// Supported options: WithLogger, WithMetrics, WithTimeout
func NewDispatcher(s *Session, opt ...Option) (*Dispatcher, error) {
	const op = "NewDispatcher"
	if s == nil {
		return nil, fmt.Errorf("%s: session is nil: %w", op, ErrNilParameter)
	}
	opts := getDispatcherOpts(opt...)
	if opts.withTimeout <= 0 {
		return nil, fmt.Errorf("%s: timeout must be positive: %w", op, ErrInvalidParameter)
	}
	return &Dispatcher{
		session: s,
		logger:  opts.withLogger,
		metrics: opts.withMetrics,
		timeout: opts.withTimeout,
	}, nil
}

// Get performs an http GET.
//
// Supported options: WithHeader, WithHeaders
func (d *Dispatcher) Get(ctx context.Context, url string, opt ...Option) (*Outcome, error) {
	return d.Do(ctx, http.MethodGet, url, opt...)
}

// Post performs an http POST.
//
// Supported options: WithForm, WithJSON, WithBody, WithHeader, WithHeaders
func (d *Dispatcher) Post(ctx context.Context, url string, opt ...Option) (*Outcome, error) {
	return d.Do(ctx, http.MethodPost, url, opt...)
}

// Do performs an http request. Unsuccessful statuses are reported through
// the Outcome's Class; the error is only set when no usable response was
// received.
func (d *Dispatcher) Do(ctx context.Context, method, url string, opt ...Option) (*Outcome, error) {
	const op = "Dispatcher.Do"
	if url == "" {
		return nil, NewError(KindInvalidRequest, WithOp(op), WithMsg("missing url"), WithWrap(ErrInvalidParameter))
	}
	opts := getRequestOpts(opt...)

	var body io.Reader
	var contentType string
	switch {
	case opts.withForm != nil:
		body, contentType = strings.NewReader(opts.withForm.Encode()), formType
	case opts.withJSON != nil:
		b, err := json.Marshal(opts.withJSON)
		if err != nil {
			return nil, NewError(KindInvalidRequest, WithOp(op), WithMsg("unable to encode request body"), WithWrap(err))
		}
		body, contentType = bytes.NewReader(b), jsonType
	case opts.withBody != nil:
		body, contentType = bytes.NewReader(opts.withBody), opts.withContentType
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, NewError(KindInvalidRequest, WithOp(op), WithMsg("unable to create request"), WithWrap(err))
	}
	req.Header = d.session.Headers()
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, vs := range opts.withHeaders {
		req.Header[k] = vs
	}

	logger := d.logger
	if rid, err := id.New("req"); err == nil {
		logger = logger.With("request_id", rid)
	}
	logger.Debug("dispatching request", "method", method, "url", url)
	resp, err := d.session.Client().Do(req)
	if err != nil {
		d.metrics.dispatch(method, ClassTransport)
		return nil, NewError(KindDispatch, WithOp(op), WithMsg(fmt.Sprintf("%s %s", method, url)), WithWrap(err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		d.metrics.dispatch(method, ClassTransport)
		return nil, NewError(KindDispatch, WithOp(op), WithMsg("unable to read response"), WithWrap(err))
	}

	out := &Outcome{
		StatusCode: resp.StatusCode,
		Class:      classify(resp.StatusCode),
		Header:     resp.Header,
	}
	if v := resp.Header.Get(headerRateLimitRemaining); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			out.RateLimitRemaining = &n
		}
	}
	d.metrics.dispatch(method, out.Class)
	if d.session.cfg.Debug {
		logger.Debug("response received", "url", url, "status", resp.StatusCode, "body", string(raw))
	} else {
		logger.Debug("response received", "url", url, "status", resp.StatusCode)
	}

	switch out.Class {
	case ClassSuccess:
	case ClassNoContent:
		return out, nil
	default:
		logClass(logger, out, url)
		return out, nil
	}

	if len(raw) == 0 && strings.Contains(url, "revoke") {
		out.Revoked = resp.StatusCode == http.StatusOK
		return out, nil
	}
	switch {
	case strings.Contains(resp.Header.Get("Content-Type"), "xml"):
		m, err := decodeXML(raw)
		if err != nil {
			return nil, NewError(KindDispatch, WithOp(op), WithMsg("unable to decode xml response"), WithStatusCode(resp.StatusCode), WithWrap(err))
		}
		out.Body = m
	case len(bytes.TrimSpace(raw)) == 0:
	default:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return nil, NewError(KindDispatch, WithOp(op), WithMsg("unable to decode json response"), WithStatusCode(resp.StatusCode), WithWrap(err))
		}
		out.Body = v
	}
	return out, nil
}

func logClass(logger hclog.Logger, o *Outcome, url string) {
	switch o.Class {
	case ClassBadRequest:
		logger.Error("bad request, it might be malformed or not implemented for this vehicle", "url", url)
	case ClassUnauthorized:
		logger.Warn("unauthorized", "url", url)
	case ClassThrottled:
		logger.Warn("too many requests", "url", url)
	case ClassServiceUnavailable:
		logger.Info("service might be temporarily unavailable", "url", url)
	case ClassUnsupported:
		logger.Info("request might not be supported for this vehicle", "url", url)
	default:
		logger.Error("unhandled response status", "url", url, "status", o.StatusCode)
	}
}
