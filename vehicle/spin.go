// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package vehicle

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/hashicorp/carconnect/connect"
)

// SecurityAction is an operation that must be authorized with the S-PIN.
type SecurityAction string

const (
	ActionLock          SecurityAction = "lock"
	ActionUnlock        SecurityAction = "unlock"
	ActionHeating       SecurityAction = "heating"
	ActionTimer         SecurityAction = "timer"
	ActionClimatisation SecurityAction = "rclima"
)

// service and operation of each action
var securityActions = map[SecurityAction][2]string{
	ActionLock:          {"rlu_v1", "LOCK"},
	ActionUnlock:        {"rlu_v1", "UNLOCK"},
	ActionHeating:       {"rheating_v1", "P_QSACT"},
	ActionTimer:         {"timerprogramming_v1", "P_SETTINGS_AU"},
	ActionClimatisation: {"rclima_v1", "P_START_CLIMA_AU"},
}

// HashSPIN answers an S-PIN challenge: the lowercase hex sha512 of the
// spin's bytes followed by the challenge's bytes, both given in hex.
func HashSPIN(challenge, spin string) (string, error) {
	const op = "vehicle.HashSPIN"
	pin, err := hex.DecodeString(spin)
	if err != nil {
		return "", fmt.Errorf("%s: spin is not hex: %v: %w", op, err, connect.ErrInvalidParameter)
	}
	ch, err := hex.DecodeString(challenge)
	if err != nil {
		return "", fmt.Errorf("%s: challenge is not hex: %v: %w", op, err, connect.ErrInvalidParameter)
	}
	sum := sha512.Sum512(append(pin, ch...))
	return hex.EncodeToString(sum[:]), nil
}

// securityHome is the base of the S-PIN endpoints for a vehicle homed at
// home.
func (c *Client) securityHome(home string) string {
	if strings.Contains(home, "fal-3a") {
		return strings.Replace(home, "fal-", "mal-", 1)
	}
	return c.defaultHome
}

// SecurityToken authorizes action on vin with the configured S-PIN and
// returns the security token to send with the action.
func (c *Client) SecurityToken(ctx context.Context, vin string, action SecurityAction) (string, error) {
	const op = "vehicle.(Client).SecurityToken"
	if c.spin == "" {
		return "", connect.NewError(connect.KindConfig, connect.WithOp(op), connect.WithMsg("an S-PIN is required"))
	}
	svc, ok := securityActions[action]
	if !ok {
		return "", connect.NewError(connect.KindInvalidRequest, connect.WithOp(op), connect.WithMsg(fmt.Sprintf("security token for %q is not implemented", action)), connect.WithWrap(connect.ErrInvalidParameter))
	}
	r, err := c.HomeRegion(ctx, vin)
	if err != nil {
		return "", err
	}
	base := c.securityHome(r.Home)

	u := fmt.Sprintf("%s/api/rolesrights/authorization/v2/vehicles/%s/services/%s/operations/%s/security-pin-auth-requested", base, vin, svc[0], svc[1])
	out, err := c.conn.Get(ctx, connect.AudienceService, u)
	if err != nil {
		return "", err
	}
	if !out.OK() {
		return "", connect.NewError(connect.KindOf(out.Err()), connect.WithOp(op), connect.WithMsg("unable to request a challenge"), connect.WithWrap(out.Err()), connect.WithStatusCode(out.StatusCode))
	}
	secToken, _ := lookup(out.Object(), "securityPinAuthInfo", "securityToken").(string)
	challenge, _ := lookup(out.Object(), "securityPinAuthInfo", "securityPinTransmission", "challenge").(string)
	if secToken == "" || challenge == "" {
		return "", connect.NewError(connect.KindRequest, connect.WithOp(op), connect.WithMsg("response has no challenge"))
	}
	hash, err := HashSPIN(challenge, c.spin)
	if err != nil {
		return "", connect.NewError(connect.KindConfig, connect.WithOp(op), connect.WithWrap(err))
	}

	body := map[string]interface{}{
		"securityPinAuthentication": map[string]interface{}{
			"securityPin": map[string]string{
				"challenge":       challenge,
				"securityPinHash": hash,
			},
			"securityToken": secToken,
		},
	}
	out, err = c.conn.Post(ctx, connect.AudienceService, base+"/api/rolesrights/authorization/v2/security-pin-auth-completed", connect.WithJSON(body))
	if err != nil {
		return "", err
	}
	if !out.OK() {
		return "", connect.NewError(connect.KindOf(out.Err()), connect.WithOp(op), connect.WithMsg("S-PIN was rejected"), connect.WithWrap(out.Err()), connect.WithStatusCode(out.StatusCode))
	}
	token, _ := out.Object()["securityToken"].(string)
	if token == "" {
		return "", connect.NewError(connect.KindRequest, connect.WithOp(op), connect.WithMsg("did not receive a valid security token"))
	}
	return token, nil
}
