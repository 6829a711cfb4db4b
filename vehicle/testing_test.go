// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package vehicle

import (
	"context"
	"net/http"
	"sync"

	"github.com/hashicorp/carconnect/connect"
)

const (
	testHome   = "https://home.example.com"
	testLookup = "https://lookup.example.com"
)

// fakeRequester serves canned outcomes by url.
type fakeRequester struct {
	mu     sync.Mutex
	routes map[string]*connect.Outcome
	calls  map[string]int
	auds   map[connect.Audience]int
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{
		routes: map[string]*connect.Outcome{},
		calls:  map[string]int{},
		auds:   map[connect.Audience]int{},
	}
}

func (f *fakeRequester) json(url string, body map[string]interface{}) {
	f.status(url, http.StatusOK, body)
}

func (f *fakeRequester) status(url string, code int, body map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := &connect.Outcome{StatusCode: code, Class: classify(code)}
	if body != nil {
		o.Body = body
	}
	f.routes[url] = o
}

func (f *fakeRequester) region(vin, baseURI string) {
	f.json(testLookup+"/api/cs/vds/v1/vehicles/"+vin+"/homeRegion", map[string]interface{}{
		"homeRegion": map[string]interface{}{"baseUri": map[string]interface{}{"content": baseURI}},
	})
}

func (f *fakeRequester) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeRequester) audiences() map[connect.Audience]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[connect.Audience]int, len(f.auds))
	for k, v := range f.auds {
		out[k] = v
	}
	return out
}

func (f *fakeRequester) Get(_ context.Context, aud connect.Audience, url string, _ ...connect.Option) (*connect.Outcome, error) {
	return f.do(aud, url)
}

func (f *fakeRequester) Post(_ context.Context, aud connect.Audience, url string, _ ...connect.Option) (*connect.Outcome, error) {
	return f.do(aud, url)
}

func (f *fakeRequester) do(aud connect.Audience, url string) (*connect.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	f.auds[aud]++
	if o, ok := f.routes[url]; ok {
		return o, nil
	}
	return &connect.Outcome{StatusCode: http.StatusNotFound, Class: connect.ClassFailed}, nil
}

func classify(code int) connect.Class {
	switch code {
	case http.StatusOK:
		return connect.ClassSuccess
	case http.StatusNoContent:
		return connect.ClassNoContent
	case http.StatusTooManyRequests:
		return connect.ClassThrottled
	case http.StatusBadGateway:
		return connect.ClassUnsupported
	case http.StatusUnauthorized:
		return connect.ClassUnauthorized
	default:
		return connect.ClassFailed
	}
}
