// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package connect

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/hashicorp/carconnect/internal/strutils"
	"golang.org/x/text/language"
)

const (
	DefaultClientID     = "30e33736-c537-4c72-ab60-74a7b92cfe83@apps_vw-dilab_com"
	DefaultScope        = "openid profile address phone email birthdate nationalIdentifier cars mbb dealers badge nationality"
	DefaultResponseType = "code id_token token"
	DefaultRedirectURI  = "cupraconnect://identity-kit/login"
	DefaultBrand        = "seat"
	DefaultCountry      = "ES"
	DefaultServiceScope = "sc2:fal"

	// DefaultServiceClientID is sent as X-Client-Id to the service.
	DefaultServiceClientID = "9d183b70-d129-424f-9a26-c3778edf95e1"
	DefaultAppName         = "SEATConnect"
	DefaultAppVersion      = "1.4.0"
	DefaultUserAgent       = "okhttp/3.10.0"
)

// Password is the account password.
type Password string

// RedactedPassword is the redacted string or json for a Password.
const RedactedPassword = "[REDACTED: password]"

// String will redact the password
func (p Password) String() string {
	return RedactedPassword
}

// MarshalJSON will redact the password
func (p Password) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedPassword)
}

// Endpoints are the remote urls a Client talks to.
type Endpoints struct {
	// Discovery is the identity provider's openid-configuration document.
	Discovery string

	// TokenExchange trades an authorization code for the primary tokens.
	TokenExchange string

	// TokenRefresh and TokenRevoke manage primary tokens.
	TokenRefresh string
	TokenRevoke  string

	// ProviderKeys signs tokens issued to one of the provider's client ids.
	ProviderKeys string

	// ServiceToken issues and refreshes service tokens; ServiceRevoke
	// revokes them.
	ServiceToken  string
	ServiceRevoke string

	// ServiceKeys signs every other token.
	ServiceKeys string
}

// DefaultEndpoints returns the production endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Discovery:     "https://identity.vwgroup.io/.well-known/openid-configuration",
		TokenExchange: "https://tokenrefreshservice.apps.emea.vwapps.io/exchangeAuthCode",
		TokenRefresh:  "https://tokenrefreshservice.apps.emea.vwapps.io/refreshTokens",
		TokenRevoke:   "https://tokenrefreshservice.apps.emea.vwapps.io/revokeToken",
		ProviderKeys:  "https://identity.vwgroup.io/oidc/v1/keys",
		ServiceToken:  "https://mbboauth-1d.prd.ece.vwg-connect.com/mbbcoauth/mobile/oauth2/v1/token",
		ServiceRevoke: "https://mbboauth-1d.prd.ece.vwg-connect.com/mbbcoauth/mobile/oauth2/v1/revoke",
		ServiceKeys:   "https://mbboauth-1d.prd.ece.vwg-connect.com/mbbcoauth/public/jwk/v1",
	}
}

func (e Endpoints) validate() error {
	const op = "Endpoints.validate"
	for name, raw := range map[string]string{
		"discovery":      e.Discovery,
		"token exchange": e.TokenExchange,
		"token refresh":  e.TokenRefresh,
		"token revoke":   e.TokenRevoke,
		"provider keys":  e.ProviderKeys,
		"service token":  e.ServiceToken,
		"service revoke": e.ServiceRevoke,
		"service keys":   e.ServiceKeys,
	} {
		if raw == "" {
			return fmt.Errorf("%s: missing %s endpoint: %w", op, name, ErrInvalidParameter)
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s: %s endpoint %q is not an absolute url: %w", op, name, raw, ErrInvalidParameter)
		}
	}
	return nil
}

// Config represents the configuration of a Client.
type Config struct {
	Username string
	Password Password

	// ClientID is the client the handshake authorizes.
	ClientID     string
	Scopes       []string
	ResponseType string

	// RedirectURI is where the provider sends the authorization code. It's
	// never fetched.
	RedirectURI string

	Brand   string
	Country string

	// ServiceScope is requested for service tokens.
	ServiceScope string

	// ServiceClientID, AppName, AppVersion and UserAgent identify the app to
	// the service.
	ServiceClientID string
	AppName         string
	AppVersion      string
	UserAgent       string

	Endpoints Endpoints

	// ProviderCA is an optional CA certificate PEM used instead of the
	// system roots.
	ProviderCA string

	// Debug enables logging of response bodies and token claims.
	Debug bool

	UILocales []language.Tag
}

type configOptions struct {
	withClientID    string
	withScopes      []string
	withRedirectURI string
	withBrand       string
	withCountry     string
	withEndpoints   *Endpoints
	withProviderCA  string
	withDebug       bool
	withUILocales   []language.Tag
}

func configDefaults() configOptions {
	return configOptions{
		withClientID:    DefaultClientID,
		withScopes:      strings.Fields(DefaultScope),
		withRedirectURI: DefaultRedirectURI,
		withBrand:       DefaultBrand,
		withCountry:     DefaultCountry,
	}
}

func getConfigOpts(opt ...Option) configOptions {
	opts := configDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// NewConfig composes a new config for the account.
//
// Supported options: WithClientID, WithScopes, WithRedirectURI, WithBrand,
// WithEndpoints, WithProviderCA, WithDebug, WithUILocales
func NewConfig(username string, password Password, opt ...Option) (*Config, error) {
	const op = "NewConfig"
	opts := getConfigOpts(opt...)
	c := &Config{
		Username:        username,
		Password:        password,
		ClientID:        opts.withClientID,
		Scopes:          strutils.RemoveDuplicatesStable(opts.withScopes, false),
		ResponseType:    DefaultResponseType,
		RedirectURI:     opts.withRedirectURI,
		Brand:           opts.withBrand,
		Country:         opts.withCountry,
		ServiceScope:    DefaultServiceScope,
		ServiceClientID: DefaultServiceClientID,
		AppName:         DefaultAppName,
		AppVersion:      DefaultAppVersion,
		UserAgent:       DefaultUserAgent,
		Endpoints:       DefaultEndpoints(),
		ProviderCA:      opts.withProviderCA,
		Debug:           opts.withDebug,
		UILocales:       opts.withUILocales,
	}
	if opts.withEndpoints != nil {
		c.Endpoints = *opts.withEndpoints
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid config: %w", op, err)
	}
	return c, nil
}

// Validate the Config.
func (c *Config) Validate() error {
	const op = "Config.Validate"
	if c == nil {
		return NewError(KindConfig, WithOp(op), WithMsg("config is nil"), WithWrap(ErrNilParameter))
	}
	invalid := func(msg string) error {
		return NewError(KindConfig, WithOp(op), WithMsg(msg), WithWrap(ErrInvalidParameter))
	}
	switch {
	case c.Username == "":
		return invalid("username is empty")
	case c.Password == "":
		return invalid("password is empty")
	case c.ClientID == "":
		return invalid("client id is empty")
	case c.RedirectURI == "":
		return invalid("redirect uri is empty")
	case c.Brand == "":
		return invalid("brand is empty")
	case !strutils.StrListContains(c.Scopes, "openid"):
		return invalid("scopes must include openid")
	}
	if u, err := url.Parse(c.RedirectURI); err != nil || u.Scheme == "" {
		return invalid(fmt.Sprintf("redirect uri %q is not absolute", c.RedirectURI))
	}
	if err := c.Endpoints.validate(); err != nil {
		return NewError(KindConfig, WithOp(op), WithWrap(err))
	}
	return nil
}

// KnownClientIDs are the client ids whose tokens the identity provider signs.
func (c *Config) KnownClientIDs() []string {
	return []string{c.ClientID}
}

func (c *Config) scope() string {
	return strings.Join(c.Scopes, " ")
}

func (c *Config) uiLocales() string {
	tags := make([]string, 0, len(c.UILocales))
	for _, t := range c.UILocales {
		tags = append(tags, t.String())
	}
	return strings.Join(tags, " ")
}
