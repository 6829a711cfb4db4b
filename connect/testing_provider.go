// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package connect

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"html/template"
	"io/ioutil"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/carconnect/jwt"
	"github.com/stretchr/testify/require"
)

const (
	testProviderKeyID   = "provider-key"
	testServiceKeyID    = "service-key"
	testServiceAudience = "mal-service"
	testSessionCookie   = "SESSION"
	testCSRF            = "csrf-token"

	// TestUsername and TestPassword are the credentials a TestProvider
	// accepts unless SetCredentials changes them.
	TestUsername = "driver@example.com"
	TestPassword = "correct horse battery staple"
)

// TestProvider is a local identity provider and connected car service. It
// serves the sign-in forms, the redirect chain, the token endpoints and the
// key sets, and can be told to misbehave in the ways the real one does.
// Additional routes may be served with SetDataHandler.
type TestProvider struct {
	t          *testing.T
	httpServer *httptest.Server
	caCert     string

	providerKey *rsa.PrivateKey
	serviceKey  *rsa.PrivateKey

	mu             sync.Mutex
	clientID       string
	redirectURI    string
	username       string
	password       string
	authorizeError string
	throttled      int
	requireTerms   bool
	hops           int
	endless        bool
	exchangeStatus int
	revokeStatus   int
	rejectRefresh  map[Audience]bool
	lifetime       time.Duration
	dataHandlers   map[string]http.HandlerFunc

	// per login
	state    string
	code     string
	sessions map[string]bool

	serial        int
	issued        map[Audience]*TokenSet
	idTokens      map[string]bool
	authorizes    int
	exchanges     int
	refreshes     map[Audience]int
	revocations   int
	lastTokenType string
}

// StartTestProvider starts a TestProvider on a TLS listener. It's stopped
// when the test completes.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()
	require := require.New(t)

	p := &TestProvider{
		t:             t,
		providerKey:   jwt.TestGenerateKey(t),
		serviceKey:    jwt.TestGenerateKey(t),
		clientID:      DefaultClientID,
		redirectURI:   DefaultRedirectURI,
		username:      TestUsername,
		password:      TestPassword,
		hops:          2,
		rejectRefresh: map[Audience]bool{},
		lifetime:      time.Hour,
		dataHandlers:  map[string]http.HandlerFunc{},
		sessions:      map[string]bool{},
		issued:        map[Audience]*TokenSet{},
		idTokens:      map[string]bool{},
		refreshes:     map[Audience]int{},
	}
	p.httpServer = httptest.NewUnstartedServer(p)
	p.httpServer.Config.ErrorLog = log.New(ioutil.Discard, "", 0)
	p.httpServer.StartTLS()
	t.Cleanup(p.httpServer.Close)

	var buf bytes.Buffer
	err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: p.httpServer.Certificate().Raw})
	require.NoError(err)
	p.caCert = buf.String()
	return p
}

// Addr returns the provider's base url.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// CACert returns the pem-encoded CA certificate of the provider's listener.
func (p *TestProvider) CACert() string { return p.caCert }

// Endpoints returns the provider's endpoints.
func (p *TestProvider) Endpoints() Endpoints {
	return Endpoints{
		Discovery:     p.Addr() + "/.well-known/openid-configuration",
		TokenExchange: p.Addr() + "/exchangeAuthCode",
		TokenRefresh:  p.Addr() + "/refreshTokens",
		TokenRevoke:   p.Addr() + "/revokeToken",
		ProviderKeys:  p.Addr() + "/oidc/v1/keys",
		ServiceToken:  p.Addr() + "/mbbcoauth/mobile/oauth2/v1/token",
		ServiceRevoke: p.Addr() + "/mbbcoauth/mobile/oauth2/v1/revoke",
		ServiceKeys:   p.Addr() + "/mbbcoauth/public/jwk/v1",
	}
}

// Config returns a Config for the provider's credentials and endpoints.
func (p *TestProvider) Config(t *testing.T, opt ...Option) *Config {
	t.Helper()
	p.mu.Lock()
	username, password, clientID, redirectURI := p.username, p.password, p.clientID, p.redirectURI
	p.mu.Unlock()
	base := []Option{
		WithEndpoints(p.Endpoints()),
		WithProviderCA(p.CACert()),
		WithClientID(clientID),
		WithRedirectURI(redirectURI),
	}
	cfg, err := NewConfig(username, Password(password), withOpts(base, opt...)...)
	require.NoError(t, err)
	return cfg
}

// SetCredentials changes the accepted credentials.
func (p *TestProvider) SetCredentials(username, password string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.username, p.password = username, password
}

// SetAuthorizeError makes authorization requests fail with the error code.
// An empty code restores normal behavior.
func (p *TestProvider) SetAuthorizeError(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authorizeError = code
}

// SetThrottled makes password submissions report a lockout of secs
// seconds. Zero restores normal behavior.
func (p *TestProvider) SetThrottled(secs int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.throttled = secs
}

// RequireTerms makes a successful sign-in redirect to the terms and
// conditions page.
func (p *TestProvider) RequireTerms(require bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requireTerms = require
}

// SetRedirectHops sets how many redirects sit between a successful sign-in
// and the callback.
func (p *TestProvider) SetRedirectHops(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hops = n
}

// SetEndlessRedirects makes the redirect chain never reach the callback.
func (p *TestProvider) SetEndlessRedirects(endless bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endless = endless
}

// SetExchangeStatus makes the authorization code exchange reply with
// status. Zero restores normal behavior.
func (p *TestProvider) SetExchangeStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchangeStatus = status
}

// SetRevokeStatus makes revocations reply with status. Zero restores normal
// behavior.
func (p *TestProvider) SetRevokeStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revokeStatus = status
}

// SetRejectRefresh makes refreshes for aud fail with invalid_grant.
func (p *TestProvider) SetRejectRefresh(aud Audience, reject bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectRefresh[aud] = reject
}

// SetTokenLifetime sets the lifetime of tokens issued from now on. A
// negative lifetime issues expired tokens.
func (p *TestProvider) SetTokenLifetime(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lifetime = d
}

// SetDataHandler serves path with h.
func (p *TestProvider) SetDataHandler(path string, h http.HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dataHandlers[path] = h
}

// AuthorizeCount returns how many authorization requests were received.
func (p *TestProvider) AuthorizeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authorizes
}

// ExchangeCount returns how many id_token exchanges for service tokens were
// received.
func (p *TestProvider) ExchangeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchanges
}

// RefreshCount returns how many successful refreshes were made for aud.
func (p *TestProvider) RefreshCount(aud Audience) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshes[aud]
}

// RevokeCount returns how many tokens were revoked.
func (p *TestProvider) RevokeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.revocations
}

// Issued returns the tokens most recently issued for aud.
func (p *TestProvider) Issued(aud Audience) *TokenSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ts, ok := p.issued[aud]; ok {
		return ts.Clone()
	}
	return nil
}

// ExpireSessions forgets every signed-in browser session.
func (p *TestProvider) ExpireSessions() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = map[string]bool{}
}

// ServeHTTP implements http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	if h, ok := p.dataHandlers[req.URL.Path]; ok {
		p.mu.Unlock()
		h(w, req)
		return
	}
	defer p.mu.Unlock()

	signIn := "/signin-service/v1/" + p.clientID
	switch {
	case req.URL.Path == "/.well-known/openid-configuration":
		p.writeJSON(w, http.StatusOK, map[string]string{
			"issuer":                 p.Addr(),
			"authorization_endpoint": p.Addr() + "/oidc/v1/authorize",
			"token_endpoint":         p.Addr() + "/oidc/v1/token",
			"jwks_uri":               p.Addr() + "/oidc/v1/keys",
		})

	case req.URL.Path == "/oidc/v1/authorize":
		p.authorizes++
		qv := req.URL.Query()
		errCode := p.authorizeError
		switch {
		case errCode != "":
		case qv.Get("client_id") != p.clientID:
			errCode = "invalid_client"
		case qv.Get("redirect_uri") != p.redirectURI, qv.Get("state") == "", qv.Get("nonce") == "":
			errCode = "invalid_request"
		}
		if errCode != "" {
			http.Redirect(w, req, p.Addr()+signIn+"/error?"+url.Values{
				"error":             {errCode},
				"error_description": {"authorization refused: " + errCode},
			}.Encode(), http.StatusFound)
			return
		}
		p.state = qv.Get("state")
		p.code = p.nextSerial("code")
		if c, err := req.Cookie(testSessionCookie); err == nil && p.sessions[c.Value] {
			http.Redirect(w, req, p.Addr()+"/oidc/v1/continue", http.StatusFound)
			return
		}
		http.Redirect(w, req, p.Addr()+signIn+"/login?relayState="+p.state, http.StatusFound)

	case req.URL.Path == "/oidc/v1/continue":
		http.Redirect(w, req, p.hopURL(0), http.StatusFound)

	case req.URL.Path == signIn+"/login" && req.Method == http.MethodGet:
		p.writeForm(w, emailFormID, signIn+"/login/identifier", map[string]string{
			"_csrf":      testCSRF,
			"relayState": req.URL.Query().Get("relayState"),
			"hmac":       "email-hmac",
		}, "email")

	case req.URL.Path == signIn+"/login/identifier" && req.Method == http.MethodPost:
		if req.FormValue("_csrf") != testCSRF || req.FormValue("email") != p.username {
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(`<html><body><div class="error">Unknown account</div></body></html>`))
			return
		}
		p.writeForm(w, credentialsFormID, signIn+"/login/authenticate", map[string]string{
			"_csrf":      testCSRF,
			"relayState": req.FormValue("relayState"),
			"hmac":       "password-hmac",
			"email":      req.FormValue("email"),
		}, "password")

	case req.URL.Path == signIn+"/login/authenticate" && req.Method == http.MethodPost:
		switch {
		case p.throttled > 0:
			http.Redirect(w, req, p.Addr()+signIn+"/login/identifier?"+url.Values{
				"error":      {errCodeThrottled},
				lockoutParam: {strconv.Itoa(p.throttled)},
			}.Encode(), http.StatusFound)
		case req.FormValue("email") != p.username || req.FormValue("password") != p.password:
			http.Redirect(w, req, p.Addr()+signIn+"/login/identifier?error="+errCodePasswordInvalid, http.StatusFound)
		case p.requireTerms:
			http.Redirect(w, req, p.Addr()+signIn+"/"+termsMarker+"?relayState="+p.state, http.StatusFound)
		default:
			session := p.nextSerial("session")
			p.sessions[session] = true
			http.SetCookie(w, &http.Cookie{Name: testSessionCookie, Value: session, Path: "/", Secure: true, HttpOnly: true})
			http.Redirect(w, req, p.hopURL(0), http.StatusFound)
		}

	case req.URL.Path == "/oidc/v1/hop":
		n, _ := strconv.Atoi(req.URL.Query().Get("n"))
		if p.endless || n < p.hops {
			http.Redirect(w, req, p.hopURL(n+1), http.StatusFound)
			return
		}
		id := p.sign(p.providerKey, testProviderKeyID, p.clientID)
		p.idTokens[id] = true
		w.Header().Set("Location", p.redirectURI+"#"+url.Values{
			"state":    {p.state},
			"code":     {p.code},
			"id_token": {id},
		}.Encode())
		w.WriteHeader(http.StatusFound)

	case req.URL.Path == "/exchangeAuthCode":
		if p.exchangeStatus != 0 {
			p.writeJSON(w, p.exchangeStatus, map[string]string{"error": "exchange_failed"})
			return
		}
		if req.FormValue("auth_code") == "" || req.FormValue("auth_code") != p.code || req.FormValue("brand") == "" {
			p.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": "unknown authorization code"})
			return
		}
		p.code = ""
		p.writeJSON(w, http.StatusOK, p.issuePrimary(true))

	case req.URL.Path == "/refreshTokens":
		cur := p.issued[AudiencePrimary]
		if p.rejectRefresh[AudiencePrimary] || cur == nil || req.FormValue("grant_type") != "refresh_token" ||
			req.FormValue("refresh_token") != string(cur.RefreshToken) {
			p.writeJSON(w, http.StatusBadRequest, map[string]string{"error": errCodeInvalidGrant})
			return
		}
		p.refreshes[AudiencePrimary]++
		p.writeJSON(w, http.StatusOK, p.issuePrimary(false))

	case req.URL.Path == "/revokeToken", req.URL.Path == "/mbbcoauth/mobile/oauth2/v1/revoke":
		if p.revokeStatus != 0 {
			w.WriteHeader(p.revokeStatus)
			return
		}
		if req.FormValue("token") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p.revocations++
		w.WriteHeader(http.StatusOK)

	case req.URL.Path == "/oidc/v1/keys":
		p.writeJSON(w, http.StatusOK, jwt.TestJWKS(p.t, map[string]*rsa.PrivateKey{testProviderKeyID: p.providerKey}))

	case req.URL.Path == "/mbbcoauth/public/jwk/v1":
		p.writeJSON(w, http.StatusOK, jwt.TestJWKS(p.t, map[string]*rsa.PrivateKey{testServiceKeyID: p.serviceKey}))

	case req.URL.Path == "/mbbcoauth/mobile/oauth2/v1/token":
		p.lastTokenType = req.Header.Get("X-Client-Id")
		switch req.FormValue("grant_type") {
		case "id_token":
			if !p.idTokens[req.FormValue("token")] || req.FormValue("scope") == "" {
				p.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
				return
			}
			p.exchanges++
			p.writeJSON(w, http.StatusOK, p.issueService(true))
		case "refresh_token":
			cur := p.issued[AudienceService]
			if p.rejectRefresh[AudienceService] || cur == nil || req.FormValue("token") != string(cur.RefreshToken) {
				p.writeJSON(w, http.StatusBadRequest, map[string]string{"error": errCodeInvalidGrant})
				return
			}
			p.refreshes[AudienceService]++
			p.writeJSON(w, http.StatusOK, p.issueService(false))
		default:
			p.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		}

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// ServiceClientID returns the X-Client-Id header sent with the last service
// token request.
func (p *TestProvider) ServiceClientID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTokenType
}

func (p *TestProvider) hopURL(n int) string {
	return p.Addr() + "/oidc/v1/hop?n=" + strconv.Itoa(n)
}

func (p *TestProvider) nextSerial(prefix string) string {
	p.serial++
	return fmt.Sprintf("%s-%d", prefix, p.serial)
}

func (p *TestProvider) sign(key *rsa.PrivateKey, kid, aud string) string {
	claims := jwt.TestClaims(aud, p.lifetime)
	claims.ID = p.nextSerial("jti")
	return jwt.TestSignJWT(p.t, key, kid, claims, nil)
}

// issuePrimary issues primary tokens. Refreshes don't rotate the refresh
// token.
func (p *TestProvider) issuePrimary(withRefresh bool) map[string]interface{} {
	reply := map[string]interface{}{
		"access_token": p.sign(p.providerKey, testProviderKeyID, p.clientID),
		"id_token":     p.sign(p.providerKey, testProviderKeyID, p.clientID),
	}
	p.idTokens[reply["id_token"].(string)] = true
	if withRefresh {
		reply["refresh_token"] = p.nextSerial("refresh")
	}
	p.record(AudiencePrimary, reply)
	return reply
}

func (p *TestProvider) issueService(withRefresh bool) map[string]interface{} {
	reply := map[string]interface{}{
		"access_token": p.sign(p.serviceKey, testServiceKeyID, testServiceAudience),
		"token_type":   "bearer",
		"expires_in":   int(p.lifetime / time.Second),
	}
	if withRefresh {
		reply["refresh_token"] = p.nextSerial("service-refresh")
	}
	p.record(AudienceService, reply)
	return reply
}

func (p *TestProvider) record(aud Audience, reply map[string]interface{}) {
	ts, err := NewTokenSet(reply)
	require.NoError(p.t, err)
	if cur, ok := p.issued[aud]; ok {
		ts = cur.Merge(ts)
	}
	p.issued[aud] = ts
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, status int, out interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(out)
}

var testFormTemplate = template.Must(template.New("form").Parse(`<!DOCTYPE html>
<html><body>
<form id="{{.ID}}" method="POST" action="{{.Action}}">
{{range $k, $v := .Hidden}}<input type="hidden" name="{{$k}}" value="{{$v}}"/>
{{end}}<input type="{{.Visible}}" name="{{.Visible}}"/>
<button type="submit">Next</button>
</form>
</body></html>`))

func (p *TestProvider) writeForm(w http.ResponseWriter, id, action string, hidden map[string]string, visible string) {
	w.Header().Set("Content-Type", "text/html")
	err := testFormTemplate.Execute(w, struct {
		ID, Action, Visible string
		Hidden              map[string]string
	}{id, strings.TrimPrefix(action, "/"), visible, hidden})
	require.NoError(p.t, err)
}

// TestClient returns a Client configured for p. It is not signed in.
func TestClient(t *testing.T, p *TestProvider, opt ...Option) *Client {
	t.Helper()
	c, err := NewClient(p.Config(t), opt...)
	require.NoError(t, err)
	return c
}
