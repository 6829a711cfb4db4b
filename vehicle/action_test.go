// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package vehicle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/hashicorp/carconnect/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Action(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	const base = testHome + "/fs-car/bs/"

	tests := []struct {
		name      string
		action    Operation
		code      int
		body      map[string]interface{}
		opt       []Option
		url       string
		want      *ActionResult
		wantKind  connect.Kind
		wantIsErr error
		wantMsg   string
		wantSent  int
	}{
		{
			name:   "nested",
			action: OperationClimater,
			code:   http.StatusOK,
			body:   map[string]interface{}{"action": map[string]interface{}{"actionId": float64(7), "actionState": "queued"}},
			url:    base + "climatisation/v1/seat/ES/vehicles/VIN1/climater/actions",
			want: &ActionResult{
				Operation: OperationClimater,
				Section:   "climatisation",
				ID:        "7",
				State:     StatusInProgress,
				RawState:  "queued",
			},
			wantSent: 1,
		},
		{
			name:   "top-level",
			action: OperationRefresh,
			code:   http.StatusOK,
			body:   map[string]interface{}{"requestId": "99", "vin": "VIN1", "rate_limit_remaining": float64(3)},
			url:    base + "vsr/v1/seat/ES/vehicles/VIN1/requests",
			want: &ActionResult{
				Operation:          OperationRefresh,
				Section:            "vsr",
				ID:                 "99",
				State:              StatusUnknown,
				RateLimitRemaining: intPtr(3),
			},
			wantSent: 1,
		},
		{
			name:   "numbers",
			action: OperationCharger,
			code:   http.StatusOK,
			body:   map[string]interface{}{"action": map[string]interface{}{"actionId": json.Number("31")}, "rate_limit_remaining": json.Number("14")},
			url:    base + "batterycharge/v1/seat/ES/vehicles/VIN1/charger/actions",
			want: &ActionResult{
				Operation:          OperationCharger,
				Section:            "batterycharge",
				ID:                 "31",
				State:              StatusUnknown,
				RateLimitRemaining: intPtr(14),
			},
			wantSent: 1,
		},
		{
			name:     "throttled",
			action:   OperationHonkFlash,
			code:     http.StatusTooManyRequests,
			url:      base + "rhf/v1/seat/ES/vehicles/VIN1/honkAndFlash",
			wantKind: connect.KindThrottled,
			wantMsg:  "action rate limit reached",
			wantSent: 1,
		},
		{
			name:     "no-response",
			action:   OperationCharger,
			code:     http.StatusNoContent,
			url:      base + "batterycharge/v1/seat/ES/vehicles/VIN1/charger/actions",
			wantKind: connect.KindRequest,
			wantMsg:  "got no response",
			wantSent: 1,
		},
		{
			name:     "rejected",
			action:   OperationTimer,
			code:     http.StatusBadGateway,
			url:      base + "departuretimer/v1/seat/ES/vehicles/VIN1/timer/actions",
			wantKind: connect.KindUnsupportedOperation,
			wantSent: 1,
		},
		{
			name:     "missing-spin",
			action:   OperationLock,
			code:     http.StatusOK,
			body:     map[string]interface{}{"requestId": "1"},
			url:      base + "rlu/v1/seat/ES/vehicles/VIN1/actions",
			wantKind: connect.KindConfig,
		},
		{
			name:     "quickstop-without-token",
			action:   OperationPreheater,
			code:     http.StatusOK,
			body:     map[string]interface{}{"performActionResponse": map[string]interface{}{"requestId": "12"}},
			opt:      []Option{WithSecurity("")},
			url:      base + "rs/v1/seat/ES/vehicles/VIN1/action",
			want:     &ActionResult{Operation: OperationPreheater, Section: "rs", ID: "12", State: StatusUnknown},
			wantSent: 1,
		},
		{
			name:      "unknown-operation",
			action:    Operation("wash"),
			wantKind:  connect.KindInvalidRequest,
			wantIsErr: connect.ErrInvalidParameter,
		},
		{
			name:      "unknown-security",
			action:    OperationClimater,
			opt:       []Option{WithSecurity("honk")},
			url:       base + "climatisation/v1/seat/ES/vehicles/VIN1/climater/actions",
			wantKind:  connect.KindInvalidRequest,
			wantIsErr: connect.ErrInvalidParameter,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			f := newFakeRequester()
			f.region("VIN1", testLookup+"/api")
			if tt.url != "" && tt.code != 0 {
				f.status(tt.url, tt.code, tt.body)
			}
			c := testClient(t, f)
			got, err := c.Action(ctx, "VIN1", tt.action, map[string]interface{}{"action": map[string]interface{}{"type": "x"}}, tt.opt...)
			if tt.url != "" {
				assert.Equal(tt.wantSent, f.count(tt.url))
			}
			if tt.wantKind != connect.KindUnknown {
				require.Error(err)
				assert.Nil(got)
				assert.Truef(errors.Is(err, tt.wantKind), "wanted \"%s\" but got \"%s\"", tt.wantKind, err)
				if tt.wantIsErr != nil {
					assert.Truef(errors.Is(err, tt.wantIsErr), "wanted \"%s\" but got \"%s\"", tt.wantIsErr, err)
				}
				if tt.wantMsg != "" {
					assert.Contains(err.Error(), tt.wantMsg)
				}
				return
			}
			require.NoError(err)
			assert.Equal(tt.want, got)
			assert.Equal(map[connect.Audience]int{connect.AudienceService: 2}, f.audiences())
		})
	}
}

func TestClient_ActionStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert, require := assert.New(t), require.New(t)
	f := newFakeRequester()
	f.region("VIN1", testLookup+"/api")
	f.json(testHome+"/fs-car/bs/vsr/v1/seat/ES/vehicles/VIN1/requests", map[string]interface{}{
		"CurrentVehicleDataResponse": map[string]interface{}{"requestId": "99", "vin": "VIN1"},
	})
	f.json(testHome+"/fs-car/bs/vsr/v1/seat/ES/vehicles/VIN1/requests/99/jobstatus", map[string]interface{}{
		"requestStatusResponse": map[string]interface{}{"status": "request_successful"},
	})
	c := testClient(t, f)

	res, err := c.Action(ctx, "VIN1", OperationRefresh, nil)
	require.NoError(err)
	assert.Equal("99", res.ID)

	got, err := c.ActionStatus(ctx, "VIN1", res)
	require.NoError(err)
	assert.Equal(StatusSuccess, got)

	_, err = c.ActionStatus(ctx, "VIN1", nil)
	assert.Truef(errors.Is(err, connect.ErrNilParameter), "wanted \"%s\" but got \"%s\"", connect.ErrNilParameter, err)
	_, err = c.ActionStatus(ctx, "VIN1", &ActionResult{Section: "vsr"})
	assert.Truef(errors.Is(err, connect.ErrInvalidParameter), "wanted \"%s\" but got \"%s\"", connect.ErrInvalidParameter, err)
}

func TestClient_Action_requests(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := connect.StartTestProvider(t)

	type sent struct {
		contentType string
		mbbToken    string
		secToken    string
		body        []byte
	}
	var got sent
	capture := func(reply string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			b, _ := io.ReadAll(r.Body)
			got = sent{
				contentType: r.Header.Get("Content-Type"),
				mbbToken:    r.Header.Get("X-mbbSecToken"),
				secToken:    r.Header.Get("X-securityToken"),
				body:        b,
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-RateLimit-Remaining", "9")
			_, _ = w.Write([]byte(reply))
		}
	}
	p.SetDataHandler("/api/cs/vds/v1/vehicles/VIN1/homeRegion", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"homeRegion":{"baseUri":{"content":"` + p.Addr() + `/api"}}}`))
	})
	p.SetDataHandler("/api/rolesrights/authorization/v2/vehicles/VIN1/services/rlu_v1/operations/LOCK/security-pin-auth-requested", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"securityPinAuthInfo":{"securityToken":"challenge-token","securityPinTransmission":{"challenge":"9f3c5a"}}}`))
	})
	p.SetDataHandler("/api/rolesrights/authorization/v2/security-pin-auth-completed", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"securityToken":"lock-token"}`))
	})
	p.SetDataHandler("/fs-car/bs/rlu/v1/seat/ES/vehicles/VIN1/actions", capture(`{"rluActionResponse":{"requestId":"42","actionState":"queued"}}`))
	p.SetDataHandler("/fs-car/bs/rlu/v1/seat/ES/vehicles/VIN1/requests/42/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"requestStatusResponse":{"status":"request_successful"}}`))
	})
	p.SetDataHandler("/fs-car/bs/climatisation/v1/seat/ES/vehicles/VIN1/climater/actions", capture(`{"action":{"actionId":"8","actionState":"queued"}}`))
	p.SetDataHandler("/fs-car/bs/rs/v1/seat/ES/vehicles/VIN1/action", capture(`{"performActionResponse":{"requestId":"13"}}`))

	conn := connect.TestClient(t, p)
	require.NoError(t, conn.Login(ctx))
	c, err := NewClient(conn, WithDefaultHome(p.Addr()), WithRegionLookup(p.Addr()), WithSPIN("1234"))
	require.NoError(t, err)

	t.Run("lock", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		body := []byte(`<?xml version="1.0" encoding="UTF-8"?><rluAction xmlns="http://audi.de/connect/rlu"><action>lock</action></rluAction>`)
		res, err := c.Action(ctx, "VIN1", OperationLock, body)
		require.NoError(err)
		assert.Equal("lock-token", got.mbbToken)
		assert.Empty(got.secToken)
		assert.Equal(lockType, got.contentType)
		assert.Equal(body, got.body)

		assert.Equal("42", res.ID)
		assert.Equal("rlu", res.Section)
		assert.Equal(StatusInProgress, res.State)
		require.NotNil(res.RateLimitRemaining)
		assert.Equal(9, *res.RateLimitRemaining)

		status, err := c.ActionStatus(ctx, "VIN1", res)
		require.NoError(err)
		assert.Equal(StatusSuccess, status)
	})
	t.Run("climater", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		res, err := c.Action(ctx, "VIN1", OperationClimater, map[string]interface{}{
			"action": map[string]interface{}{"type": "startClimatisation"},
		})
		require.NoError(err)
		assert.Empty(got.mbbToken)
		assert.Empty(got.secToken)
		assert.Equal("application/json", got.contentType)
		var sentBody map[string]interface{}
		require.NoError(json.Unmarshal(got.body, &sentBody))
		assert.Equal("startClimatisation", lookup(sentBody, "action", "type"))
		assert.Equal("8", res.ID)
	})
	t.Run("preheater", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		res, err := c.Action(ctx, "VIN1", OperationPreheater, map[string]interface{}{
			"performAction": map[string]interface{}{"quickstop": map[string]interface{}{"active": false}},
		}, WithSecurity(""))
		require.NoError(err)
		assert.Equal(preheaterType, got.contentType)
		assert.Empty(got.mbbToken)
		assert.Equal("13", res.ID)
	})
}

func intPtr(n int) *int { return &n }
