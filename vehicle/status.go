// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package vehicle

import (
	"context"
	"fmt"

	"github.com/hashicorp/carconnect/connect"
)

// RequestStatus is the normalized state of an asynchronous vehicle request.
// States the service reports that aren't normalized are passed through.
type RequestStatus string

const (
	StatusInProgress  RequestStatus = "In progress"
	StatusFailed      RequestStatus = "Failed"
	StatusNoResponse  RequestStatus = "No response"
	StatusUnavailable RequestStatus = "Unavailable"
	StatusSuccess     RequestStatus = "Success"
	StatusUnknown     RequestStatus = "Unknown"
)

var requestStates = map[string]RequestStatus{
	"request_in_progress":     StatusInProgress,
	"queued":                  StatusInProgress,
	"fetched":                 StatusInProgress,
	"InProgress":              StatusInProgress,
	"Waiting":                 StatusInProgress,
	"request_fail":            StatusFailed,
	"failed":                  StatusFailed,
	"unfetched":               StatusNoResponse,
	"delayed":                 StatusNoResponse,
	"PollingTimeout":          StatusNoResponse,
	"FailPlugDisconnected":    StatusUnavailable,
	"FailTimerChargingActive": StatusUnavailable,
	"request_successful":      StatusSuccess,
	"succeeded":               StatusSuccess,
	"Successful":              StatusSuccess,
}

// NormalizeStatus maps a state reported by the service to a RequestStatus.
func NormalizeStatus(state string) RequestStatus {
	if s, ok := requestStates[state]; ok {
		return s
	}
	if state == "" {
		return StatusUnknown
	}
	return RequestStatus(state)
}

// Pending reports whether the request hasn't completed yet.
func (s RequestStatus) Pending() bool { return s == StatusInProgress }

// requestPaths are below {home}/fs-car/bs/{section}/v1/{brand}/{country}/vehicles/{vin}/
var requestPaths = map[string]string{
	"climatisation":  "climater/actions/%s",
	"batterycharge":  "charger/actions/%s",
	"departuretimer": "timer/actions/%s",
	"vsr":            "requests/%s/jobstatus",
	"rhf":            "honkAndFlash/%s/status",
}

const defaultRequestPath = "requests/%s/status"

// RequestStatus returns the status of request id, issued to section of vin.
func (c *Client) RequestStatus(ctx context.Context, vin, section, id string) (RequestStatus, error) {
	const op = "vehicle.(Client).RequestStatus"
	if section == "" || id == "" {
		return "", connect.NewError(connect.KindInvalidRequest, connect.WithOp(op), connect.WithMsg("missing section or request id"), connect.WithWrap(connect.ErrInvalidParameter))
	}
	r, err := c.HomeRegion(ctx, vin)
	if err != nil {
		return "", err
	}
	path, ok := requestPaths[section]
	if !ok {
		path = defaultRequestPath
	}
	u := fmt.Sprintf("%s/fs-car/bs/%s/v1/%s/%s/vehicles/%s/", r.Home, section, c.brand, c.country, vin) + fmt.Sprintf(path, id)
	out, err := c.conn.Get(ctx, connect.AudienceService, u)
	if err != nil {
		return "", err
	}
	if !out.OK() {
		return "", connect.NewError(connect.KindOf(out.Err()), connect.WithOp(op), connect.WithMsg("unable to read request status"), connect.WithWrap(out.Err()), connect.WithStatusCode(out.StatusCode))
	}

	body := out.Object()
	state, _ := lookup(body, "requestStatusResponse", "status").(string)
	if state == "" {
		state, _ = lookup(body, "action", "actionState").(string)
	}
	status := NormalizeStatus(state)
	if status == StatusFailed {
		if code := lookup(body, "action", "errorCode"); code != nil {
			c.logger.Info("request failed", "vin", vin, "section", section, "error_code", code)
		}
	}
	return status, nil
}
