// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

/*
connect is a package for signing in to a vehicle connectivity service and
sending authorized requests to it.

Primary types provided by the package

* Config: the account's credentials, the identity provider's client
registration and the service endpoints.

* Session: the cookie-bearing http client and the headers every request
carries.

* Handshake: the sign-in flow against the identity provider. It discovers
the provider, submits the login forms, follows redirects to the app's
redirect uri and exchanges the authorization code for tokens.

* TokenStore and TokenSet: the tokens held for each Audience.

* Coordinator: makes sure a usable token exists for an Audience before a
request is sent, refreshing, exchanging or signing in again as needed.
Concurrent callers share one refresh.

* Dispatcher: sends requests and normalizes responses into an Outcome.

* Client: wires all of the above together.

* Err and Kind: every failure carries a Kind that errors.Is can match.

Testing

StartTestProvider starts an in-memory identity provider and token service
that tests can configure to fail in specific ways.
*/
package connect
