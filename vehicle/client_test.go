// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package vehicle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/hashicorp/carconnect/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, f *fakeRequester, opt ...Option) *Client {
	t.Helper()
	base := []Option{WithDefaultHome(testHome), WithRegionLookup(testLookup), WithBrand("seat", "ES")}
	c, err := NewClient(f, append(base, opt...)...)
	require.NoError(t, err)
	return c
}

func TestNewClient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		conn      Requester
		opts      []Option
		wantIsErr error
	}{
		{name: "valid", conn: newFakeRequester()},
		{name: "nil-requester", wantIsErr: connect.ErrNilParameter},
		{name: "missing-brand", conn: newFakeRequester(), opts: []Option{WithBrand("", "ES")}, wantIsErr: connect.ErrInvalidParameter},
		{name: "zero-concurrency", conn: newFakeRequester(), opts: []Option{WithConcurrency(0)}, wantIsErr: connect.ErrInvalidParameter},
		{name: "unknown-resource", conn: newFakeRequester(), opts: []Option{WithResources("fuel")}, wantIsErr: connect.ErrInvalidParameter},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			c, err := NewClient(tt.conn, tt.opts...)
			if tt.wantIsErr != nil {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted \"%s\" but got \"%s\"", tt.wantIsErr, err)
				return
			}
			require.NoError(err)
			assert.Equal(Resources(), c.resources)
			assert.Equal(DefaultHome, c.defaultHome)
		})
	}
}

func TestClient_HomeRegion(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		baseURI  string
		wantHome string
	}{
		{name: "lookup-service", baseURI: testLookup + "/api", wantHome: testHome},
		{name: "regional", baseURI: "https://mal-3a.prd.eu.dp.vwg-connect.com/api", wantHome: "https://fal-3a.prd.eu.dp.vwg-connect.com"},
		{name: "trailing-slash", baseURI: "https://mal-1a.prd.ece.vwg-connect.com/api/", wantHome: "https://fal-1a.prd.ece.vwg-connect.com"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			f := newFakeRequester()
			f.region("VIN1", tt.baseURI)
			c := testClient(t, f)
			r, err := c.HomeRegion(context.Background(), "VIN1")
			require.NoError(err)
			assert.Equal(tt.baseURI, r.BaseURI)
			assert.Equal(tt.wantHome, r.Home)

			_, err = c.HomeRegion(context.Background(), "VIN1")
			require.NoError(err)
			assert.Equal(1, f.count(testLookup+"/api/cs/vds/v1/vehicles/VIN1/homeRegion"))
			assert.Equal(map[connect.Audience]int{connect.AudienceService: 1}, f.audiences())
		})
	}

	t.Run("failures", func(t *testing.T) {
		t.Parallel()
		f := newFakeRequester()
		f.json(testLookup+"/api/cs/vds/v1/vehicles/EMPTY/homeRegion", map[string]interface{}{})
		f.status(testLookup+"/api/cs/vds/v1/vehicles/GONE/homeRegion", http.StatusUnauthorized, nil)
		c := testClient(t, f)
		_, err := c.HomeRegion(context.Background(), "EMPTY")
		assert.True(t, errors.Is(err, connect.KindRequest))
		_, err = c.HomeRegion(context.Background(), "GONE")
		assert.True(t, errors.Is(err, connect.KindUnauthorized))
		_, err = c.HomeRegion(context.Background(), "")
		assert.True(t, errors.Is(err, connect.ErrInvalidParameter))
	})
}

func TestClient_Fetch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFakeRequester()
	f.region("VIN1", testLookup+"/api")
	vsr := testHome + "/fs-car/bs/vsr/v1/seat/ES/vehicles/VIN1/status"
	f.json(vsr, map[string]interface{}{
		"StoredVehicleDataResponse": map[string]interface{}{
			"vin": "VIN1",
			"vehicleData": map[string]interface{}{
				"data": []interface{}{
					map[string]interface{}{"id": "0x030101FFFF", "field": []interface{}{
						map[string]interface{}{"id": "0x0301010001", "value": "12", "unit": "km"},
						map[string]interface{}{"id": "0x0301010002"},
					}},
					map[string]interface{}{"id": "0x030102FFFF", "field": []interface{}{
						map[string]interface{}{"id": "0x0301020001", "value": "on"},
					}},
				},
			},
		},
	})
	f.status(testHome+"/fs-car/bs/cf/v1/seat/ES/vehicles/VIN1/position", http.StatusNoContent, nil)
	f.json(testHome+"/fs-car/bs/climatisation/v1/seat/ES/vehicles/VIN1/climater", map[string]interface{}{
		"climater": map[string]interface{}{"settings": map[string]interface{}{"targetTemperature": "2955"}},
	})
	f.status(testHome+"/fs-car/bs/batterycharge/v1/seat/ES/vehicles/VIN1/charger", http.StatusTooManyRequests, nil)
	f.status(testHome+"/fs-car/bs/rs/v1/seat/ES/vehicles/VIN1/status", http.StatusBadGateway, nil)
	f.json(testHome+"/fs-car/bs/departuretimer/v1/seat/ES/vehicles/VIN1/timer", map[string]interface{}{"unexpected": true})
	c := testClient(t, f)

	t.Run("status", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		got, err := c.Fetch(ctx, "VIN1", ResourceStatus)
		require.NoError(err)
		assert.Equal(ResourceStatus, got.Resource)
		assert.Equal("VIN1", got.Data["vin"])
		require.Len(got.Fields, 3)
		assert.Equal("12", got.Fields["0x0301010001"].(map[string]interface{})["value"])
		assert.Nil(got.Fields["0x0301010002"])
		assert.Contains(got.Fields, "0x0301010002")
	})
	t.Run("moving", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		got, err := c.Fetch(ctx, "VIN1", ResourcePosition)
		require.NoError(err)
		assert.True(got.Moving)
		assert.Nil(got.Data)
	})
	t.Run("climater", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		got, err := c.Fetch(ctx, "VIN1", ResourceClimater)
		require.NoError(err)
		assert.Contains(got.Data, "settings")
		assert.Nil(got.Fields)
	})
	tests := []struct {
		res       Resource
		wantIsErr error
	}{
		{res: ResourceCharger, wantIsErr: connect.KindThrottled},
		{res: ResourcePreheater, wantIsErr: connect.KindUnsupportedOperation},
		{res: ResourceTimer, wantIsErr: connect.KindRequest},
		{res: ResourceTrip, wantIsErr: connect.KindRequest},
		{res: Resource("fuel"), wantIsErr: connect.KindInvalidRequest},
	}
	for _, tt := range tests {
		_, err := c.Fetch(ctx, "VIN1", tt.res)
		assert.Truef(t, errors.Is(err, tt.wantIsErr), "%s: wanted \"%s\" but got \"%s\"", tt.res, tt.wantIsErr, err)
	}
}

func TestClient_OperationList(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	f := newFakeRequester()
	f.region("VIN1", "https://mal-3a.prd.eu.dp.vwg-connect.com/api")
	f.json("https://fal-3a.prd.eu.dp.vwg-connect.com/api/rolesrights/operationlist/v3/vehicles/VIN1", map[string]interface{}{
		"operationList": map[string]interface{}{"vin": "VIN1", "serviceInfo": []interface{}{}},
	})
	f.region("VIN2", testLookup+"/api")
	c := testClient(t, f)

	got, err := c.OperationList(context.Background(), "VIN1")
	require.NoError(err)
	assert.Equal("VIN1", got["vin"])

	_, err = c.OperationList(context.Background(), "VIN2")
	assert.True(errors.Is(err, connect.KindRequest))
}

func TestClient_RequestStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFakeRequester()
	f.region("VIN1", testLookup+"/api")
	prefix := testHome + "/fs-car/bs/"
	f.json(prefix+"climatisation/v1/seat/ES/vehicles/VIN1/climater/actions/1", map[string]interface{}{
		"action": map[string]interface{}{"actionState": "queued"},
	})
	f.json(prefix+"batterycharge/v1/seat/ES/vehicles/VIN1/charger/actions/2", map[string]interface{}{
		"action": map[string]interface{}{"actionState": "failed", "errorCode": json.Number("11")},
	})
	f.json(prefix+"departuretimer/v1/seat/ES/vehicles/VIN1/timer/actions/3", map[string]interface{}{
		"action": map[string]interface{}{"actionState": "FailTimerChargingActive"},
	})
	f.json(prefix+"vsr/v1/seat/ES/vehicles/VIN1/requests/4/jobstatus", map[string]interface{}{
		"requestStatusResponse": map[string]interface{}{"status": "request_successful"},
	})
	f.json(prefix+"rhf/v1/seat/ES/vehicles/VIN1/honkAndFlash/5/status", map[string]interface{}{
		"requestStatusResponse": map[string]interface{}{"status": "PollingTimeout"},
	})
	f.json(prefix+"rs/v1/seat/ES/vehicles/VIN1/requests/6/status", map[string]interface{}{
		"requestStatusResponse": map[string]interface{}{"status": "something_new"},
	})
	f.json(prefix+"rlu/v1/seat/ES/vehicles/VIN1/requests/7/status", map[string]interface{}{})
	f.status(prefix+"rlu/v1/seat/ES/vehicles/VIN1/requests/8/status", http.StatusTooManyRequests, nil)
	c := testClient(t, f)

	tests := []struct {
		section, id string
		want        RequestStatus
		wantIsErr   error
	}{
		{section: "climatisation", id: "1", want: StatusInProgress},
		{section: "batterycharge", id: "2", want: StatusFailed},
		{section: "departuretimer", id: "3", want: StatusUnavailable},
		{section: "vsr", id: "4", want: StatusSuccess},
		{section: "rhf", id: "5", want: StatusNoResponse},
		{section: "rs", id: "6", want: RequestStatus("something_new")},
		{section: "rlu", id: "7", want: StatusUnknown},
		{section: "rlu", id: "8", wantIsErr: connect.KindThrottled},
		{section: "", id: "9", wantIsErr: connect.ErrInvalidParameter},
	}
	for _, tt := range tests {
		got, err := c.RequestStatus(ctx, "VIN1", tt.section, tt.id)
		if tt.wantIsErr != nil {
			assert.Truef(t, errors.Is(err, tt.wantIsErr), "%s/%s: wanted \"%s\" but got \"%s\"", tt.section, tt.id, tt.wantIsErr, err)
			continue
		}
		require.NoError(t, err)
		assert.Equalf(t, tt.want, got, "%s/%s", tt.section, tt.id)
	}
}

func TestNormalizeStatus(t *testing.T) {
	t.Parallel()
	tests := map[string]RequestStatus{
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
		"":                        StatusUnknown,
		"brand_new_state":         RequestStatus("brand_new_state"),
	}
	for state, want := range tests {
		assert.Equalf(t, want, NormalizeStatus(state), "state %q", state)
	}
	assert.True(t, StatusInProgress.Pending())
	assert.False(t, StatusSuccess.Pending())
}
