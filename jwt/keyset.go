// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package jwt

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"
	"gopkg.in/square/go-jose.v2"
)

// maxKeySetSize bounds the size of a key set response body.
const maxKeySetSize = 1 << 20

// KeyCache holds RSA public keys fetched from one or more JWKS endpoints,
// indexed by key set url and key id. A key from one set is never used for
// another. A key set is only fetched when a requested key id isn't cached
// yet. It's safe for concurrent use.
type KeyCache struct {
	client *http.Client
	logger hclog.Logger

	mu      sync.Mutex
	keys    map[string]map[string]jose.JSONWebKey
	fetches int
}

// NewKeyCache creates an empty KeyCache.
//
// Supported options: WithHTTPClient, WithLogger
func NewKeyCache(opt ...Option) *KeyCache {
	opts := getKeyCacheOpts(opt...)
	c := &KeyCache{
		client: opts.withHTTPClient,
		logger: opts.withLogger,
		keys:   map[string]map[string]jose.JSONWebKey{},
	}
	if c.client == nil {
		c.client = cleanhttp.DefaultPooledClient()
	}
	return c
}

// Key returns the key of the set at jwksURL with the given kid. When it's
// not cached, the key set is fetched and merged into the cache first. The
// set is fetched with the http client carried by ctx (see
// oidc.ClientContext) when there is one.
func (c *KeyCache) Key(ctx context.Context, jwksURL, kid string) (*jose.JSONWebKey, error) {
	const op = "jwt.(KeyCache).Key"
	switch {
	case kid == "":
		return nil, fmt.Errorf("%s: missing key id: %w", op, ErrInvalidParameter)
	case jwksURL == "":
		return nil, fmt.Errorf("%s: missing key set url: %w", op, ErrInvalidParameter)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if k, ok := c.keys[jwksURL][kid]; ok {
		return &k, nil
	}
	if err := c.fetch(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if k, ok := c.keys[jwksURL][kid]; ok {
		return &k, nil
	}
	return nil, fmt.Errorf("%s: kid %q not published at %s: %w", op, kid, jwksURL, ErrKeyNotFound)
}

// Len returns the number of cached keys across all key sets.
func (c *KeyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, set := range c.keys {
		n += len(set)
	}
	return n
}

// Fetches returns how many times a key set has been requested.
func (c *KeyCache) Fetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

// fetch must be called with c.mu held.
func (c *KeyCache) fetch(ctx context.Context, jwksURL string) error {
	const op = "fetch"
	c.fetches++
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	client := c.client
	if hc, ok := ctx.Value(oauth2.HTTPClient).(*http.Client); ok && hc != nil {
		client = hc
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %s: %v: %w", op, jwksURL, err, ErrKeyFetchFailed)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetSize))
	if err != nil {
		return fmt.Errorf("%s: reading key set: %v: %w", op, err, ErrKeyFetchFailed)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s returned %d: %w", op, jwksURL, resp.StatusCode, ErrKeyFetchFailed)
	}

	var set struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(body, &set); err != nil {
		return fmt.Errorf("%s: decoding key set: %v: %w", op, err, ErrKeyFetchFailed)
	}
	keys, ok := c.keys[jwksURL]
	if !ok {
		keys = map[string]jose.JSONWebKey{}
		c.keys[jwksURL] = keys
	}
	var added int
	for _, raw := range set.Keys {
		var k jose.JSONWebKey
		if err := k.UnmarshalJSON(raw); err != nil {
			c.logger.Debug("skipping unparseable key", "url", jwksURL, "error", err)
			continue
		}
		if _, ok := k.Key.(*rsa.PublicKey); !ok || k.KeyID == "" {
			c.logger.Debug("skipping non-RSA key", "url", jwksURL, "kid", k.KeyID)
			continue
		}
		keys[k.KeyID] = k
		added++
	}
	c.logger.Debug("fetched key set", "url", jwksURL, "keys", added)
	return nil
}

// KeySet returns an oidc.KeySet which verifies signatures with keys from c,
// fetching unknown keys from jwksURL.
func (c *KeyCache) KeySet(jwksURL string) oidc.KeySet {
	return &cachedKeySet{cache: c, jwksURL: jwksURL}
}

type cachedKeySet struct {
	cache   *KeyCache
	jwksURL string
}

// VerifySignature parses the given JWT, verifies its signature with the key
// named by its kid header, and returns the payload.
func (ks *cachedKeySet) VerifySignature(ctx context.Context, token string) ([]byte, error) {
	const op = "jwt.(cachedKeySet).VerifySignature"
	jws, err := jose.ParseSigned(token)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", op, err, ErrMalformedToken)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("%s: expected one signature, got %d: %w", op, len(jws.Signatures), ErrMalformedToken)
	}
	hdr := jws.Signatures[0].Header
	key, err := ks.cache.Key(ctx, ks.jwksURL, hdr.KeyID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if key.Algorithm != "" && key.Algorithm != hdr.Algorithm {
		return nil, fmt.Errorf("%s: key %q is for %s, token uses %s: %w", op, key.KeyID, key.Algorithm, hdr.Algorithm, ErrInvalidSignature)
	}
	payload, err := jws.Verify(key)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", op, err, ErrInvalidSignature)
	}
	return payload, nil
}
