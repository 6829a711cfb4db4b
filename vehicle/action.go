// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package vehicle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/carconnect/connect"
)

// Operation is a request that changes something on a vehicle.
type Operation string

const (
	OperationRefresh   Operation = "refresh"
	OperationCharger   Operation = "charger"
	OperationClimater  Operation = "climater"
	OperationTimer     Operation = "timer"
	OperationHonkFlash Operation = "honkandflash"
	OperationLock      Operation = "lock"
	OperationUnlock    Operation = "unlock"
	OperationPreheater Operation = "preheater"
)

const (
	lockType      = "application/vnd.vwg.mbb.RemoteLockUnlock_v1_0_0+xml"
	preheaterType = "application/vnd.vwg.mbb.RemoteStandheizung_v2_0_2+json"
)

type operationSpec struct {
	section     string
	path        string
	contentType string
	security    SecurityAction
}

// operations are below {home}/fs-car/bs/{section}/v1/{brand}/{country}/vehicles/{vin}/
var operations = map[Operation]operationSpec{
	OperationRefresh:   {section: "vsr", path: "requests"},
	OperationCharger:   {section: "batterycharge", path: "charger/actions"},
	OperationClimater:  {section: "climatisation", path: "climater/actions"},
	OperationTimer:     {section: "departuretimer", path: "timer/actions"},
	OperationHonkFlash: {section: "rhf", path: "honkAndFlash"},
	OperationLock:      {section: "rlu", path: "actions", contentType: lockType, security: ActionLock},
	OperationUnlock:    {section: "rlu", path: "actions", contentType: lockType, security: ActionUnlock},
	OperationPreheater: {section: "rs", path: "action", contentType: preheaterType, security: ActionHeating},
}

// securityHeaders name the header each security token is sent in.
var securityHeaders = map[SecurityAction]string{
	ActionLock:          "X-mbbSecToken",
	ActionUnlock:        "X-mbbSecToken",
	ActionHeating:       "X-mbbSecToken",
	ActionTimer:         "X-securityToken",
	ActionClimatisation: "X-securityToken",
}

// ActionResult is the service's acknowledgement of an Operation. Pass it to
// ActionStatus to follow the request until it completes.
type ActionResult struct {
	Operation Operation

	// Section is the service section the request was issued to.
	Section string

	// ID identifies the request within Section. It's empty when the
	// service didn't report one.
	ID string

	State    RequestStatus
	RawState string

	RateLimitRemaining *int
}

// Action sends action to vin. A []byte body is sent as is with the operation's
// content type, anything else is encoded as JSON. Lock, unlock and
// preheater operations are authorized with a security token by default.
//
// Supported options: WithSecurity
func (c *Client) Action(ctx context.Context, vin string, action Operation, body interface{}, opt ...Option) (*ActionResult, error) {
	const op = "vehicle.(Client).Action"
	spec, ok := operations[action]
	if !ok {
		return nil, connect.NewError(connect.KindInvalidRequest, connect.WithOp(op), connect.WithMsg(fmt.Sprintf("operation %q is not implemented", action)), connect.WithWrap(connect.ErrInvalidParameter))
	}
	opts := getActionOpts(spec.security, opt...)
	r, err := c.HomeRegion(ctx, vin)
	if err != nil {
		return nil, err
	}

	var reqOpts []connect.Option
	switch b := body.(type) {
	case nil:
	case []byte:
		ct := spec.contentType
		if ct == "" {
			ct = "application/json"
		}
		reqOpts = append(reqOpts, connect.WithBody(ct, b))
	default:
		reqOpts = append(reqOpts, connect.WithJSON(b))
		if strings.HasSuffix(spec.contentType, "+json") {
			reqOpts = append(reqOpts, connect.WithHeader("Content-Type", spec.contentType))
		}
	}
	if opts.withSecurity != "" {
		header, ok := securityHeaders[opts.withSecurity]
		if !ok {
			return nil, connect.NewError(connect.KindInvalidRequest, connect.WithOp(op), connect.WithMsg(fmt.Sprintf("security token for %q is not implemented", opts.withSecurity)), connect.WithWrap(connect.ErrInvalidParameter))
		}
		tok, err := c.SecurityToken(ctx, vin, opts.withSecurity)
		if err != nil {
			return nil, err
		}
		reqOpts = append(reqOpts, connect.WithHeader(header, tok))
	}

	u := fmt.Sprintf("%s/fs-car/bs/%s/v1/%s/%s/vehicles/%s/%s", r.Home, spec.section, c.brand, c.country, vin, spec.path)
	out, err := c.conn.Post(ctx, connect.AudienceService, u, reqOpts...)
	if err != nil {
		return nil, err
	}
	switch {
	case out.StatusCode == http.StatusTooManyRequests:
		return nil, connect.NewError(connect.KindThrottled, connect.WithOp(op), connect.WithMsg("action rate limit reached, start the vehicle to reset the limit"), connect.WithWrap(out.Err()), connect.WithStatusCode(out.StatusCode))
	case !out.OK():
		return nil, connect.NewError(connect.KindOf(out.Err()), connect.WithOp(op), connect.WithMsg(fmt.Sprintf("%s was not accepted", action)), connect.WithWrap(out.Err()), connect.WithStatusCode(out.StatusCode))
	case len(out.Object()) == 0:
		return nil, connect.NewError(connect.KindRequest, connect.WithOp(op), connect.WithMsg(fmt.Sprintf("%s was sent but got no response", action)), connect.WithStatusCode(out.StatusCode))
	}

	res := acknowledgement(out.Object())
	res.Operation = action
	res.Section = spec.section
	if out.RateLimitRemaining != nil {
		res.RateLimitRemaining = out.RateLimitRemaining
	}
	c.logger.Debug("action sent", "vin", vin, "operation", action, "request_id", res.ID, "state", res.State)
	return res, nil
}

// ActionStatus returns the current status of the request res acknowledged.
func (c *Client) ActionStatus(ctx context.Context, vin string, res *ActionResult) (RequestStatus, error) {
	const op = "vehicle.(Client).ActionStatus"
	if res == nil {
		return "", connect.NewError(connect.KindInvalidRequest, connect.WithOp(op), connect.WithMsg("missing action result"), connect.WithWrap(connect.ErrNilParameter))
	}
	return c.RequestStatus(ctx, vin, res.Section, res.ID)
}

// acknowledgement reads the request id and state from an action response.
// They're either fields of a nested object or top level fields.
func acknowledgement(body map[string]interface{}) *ActionResult {
	res := &ActionResult{}
	for _, k := range sortedKeys(body) {
		switch v := body[k].(type) {
		case map[string]interface{}:
			for _, nk := range sortedKeys(v) {
				name := strings.ToLower(nk)
				switch {
				case strings.Contains(name, "id") && res.ID == "":
					res.ID = scalar(v[nk])
				case strings.Contains(name, "state") && res.RawState == "":
					res.RawState = scalar(v[nk])
				}
			}
		default:
			switch {
			case strings.Contains(k, "Id") && res.ID == "":
				res.ID = scalar(v)
			case strings.Contains(k, "State") && res.RawState == "":
				res.RawState = scalar(v)
			}
		}
	}
	if n, ok := intValue(body["rate_limit_remaining"]); ok {
		res.RateLimitRemaining = &n
	}
	res.State = NormalizeStatus(res.RawState)
	return res
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func scalar(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func intValue(v interface{}) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case json.Number:
		n, err := strconv.Atoi(t.String())
		return n, err == nil
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	default:
		return 0, false
	}
}
