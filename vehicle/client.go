// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package vehicle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/carconnect/connect"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
)

const acceptVehicleDetail = "application/vnd.vwg.mbb.vehicleDataDetail_v2_1_0+xml, application/vnd.vwg.mbb.genericError_v1_0_2+xml"

// Requester sends requests bearing an audience's token. *connect.Client
// implements it.
type Requester interface {
	Get(ctx context.Context, aud connect.Audience, url string, opt ...connect.Option) (*connect.Outcome, error)
	Post(ctx context.Context, aud connect.Audience, url string, opt ...connect.Option) (*connect.Outcome, error)
}

var _ Requester = (*connect.Client)(nil)

// Client reads vehicle data through a Requester. All calls use the service
// audience.
type Client struct {
	conn         Requester
	logger       hclog.Logger
	spin         string
	brand        string
	country      string
	defaultHome  string
	regionLookup string
	resources    []Resource
	concurrency  int

	mu       sync.Mutex
	vehicles []Vehicle
	regions  map[string]*Region
}

// NewClient creates a Client.
//
// Supported options: WithLogger, WithSPIN, WithBrand, WithDefaultHome,
// WithRegionLookup, WithResources, WithConcurrency
func NewClient(conn Requester, opt ...Option) (*Client, error) {
	const op = "vehicle.NewClient"
	if conn == nil {
		return nil, fmt.Errorf("%s: requester is nil: %w", op, connect.ErrNilParameter)
	}
	opts := getClientOpts(opt...)
	switch {
	case opts.withBrand == "", opts.withCountry == "":
		return nil, fmt.Errorf("%s: brand and country are required: %w", op, connect.ErrInvalidParameter)
	case opts.withConcurrency < 1:
		return nil, fmt.Errorf("%s: concurrency must be positive: %w", op, connect.ErrInvalidParameter)
	}
	for _, r := range opts.withResources {
		if _, ok := resources[r]; !ok {
			return nil, fmt.Errorf("%s: unknown resource %q: %w", op, r, connect.ErrInvalidParameter)
		}
	}
	return &Client{
		conn:         conn,
		logger:       opts.withLogger,
		spin:         opts.withSPIN,
		brand:        opts.withBrand,
		country:      opts.withCountry,
		defaultHome:  strings.TrimSuffix(opts.withDefaultHome, "/"),
		regionLookup: strings.TrimSuffix(opts.withRegionLookup, "/"),
		resources:    opts.withResources,
		concurrency:  opts.withConcurrency,
		regions:      map[string]*Region{},
	}, nil
}

// Vehicles discovers the vehicles associated with the account. Vehicles
// whose details can't be read are skipped; finding none at all is a
// configuration error.
func (c *Client) Vehicles(ctx context.Context) ([]Vehicle, error) {
	const op = "vehicle.(Client).Vehicles"
	u := fmt.Sprintf("%s/fs-car/usermanagement/users/v1/%s/%s/vehicles", c.defaultHome, c.brand, c.country)
	out, err := c.conn.Get(ctx, connect.AudienceService, u)
	if err != nil {
		return nil, err
	}
	if !out.OK() {
		return nil, connect.NewError(connect.KindOf(out.Err()), connect.WithOp(op), connect.WithMsg("unable to list vehicles"), connect.WithWrap(out.Err()), connect.WithStatusCode(out.StatusCode))
	}

	var found []Vehicle
	for _, vin := range vins(lookup(out.Object(), "userVehicles", "vehicle")) {
		spec, err := c.specification(ctx, vin)
		if err != nil {
			c.logger.Warn("unable to read vehicle details", "vin", vin, "error", err)
			continue
		}
		found = append(found, Vehicle{VIN: vin, Specification: *spec})
	}
	if len(found) == 0 {
		return nil, connect.NewError(connect.KindConfig, connect.WithOp(op), connect.WithMsg("no vehicles were found for the account"))
	}
	c.mu.Lock()
	c.vehicles = append([]Vehicle(nil), found...)
	c.mu.Unlock()
	c.logger.Debug("vehicles discovered", "count", len(found))
	return found, nil
}

// vins accepts the vehicle list as a single vin or a list of them.
func vins(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func (c *Client) specification(ctx context.Context, vin string) (*Specification, error) {
	const op = "vehicle.(Client).specification"
	u := fmt.Sprintf("%s/fs-car/vehicleMgmt/vehicledata/v2/%s/%s/vehicles/%s", c.defaultHome, c.brand, c.country, vin)
	out, err := c.conn.Get(ctx, connect.AudienceService, u, connect.WithHeader("Accept", acceptVehicleDetail))
	if err != nil {
		return nil, err
	}
	if !out.OK() {
		return nil, out.Err()
	}
	carport, ok := lookup(out.Object(), "vehicleDataDetail", "ns4:carportData").(map[string]interface{})
	if !ok {
		return nil, connect.NewError(connect.KindRequest, connect.WithOp(op), connect.WithMsg("response has no vehicle details"))
	}
	field := func(name string) string {
		s, _ := carport["ns4:"+name].(string)
		return s
	}
	return &Specification{
		ModelCode:         field("modelCode"),
		Title:             field("modelName"),
		ManufacturingDate: field("modelYear"),
		Color:             field("color"),
		CountryCode:       field("countryCode"),
		Engine:            field("engine"),
		MMI:               field("mmi"),
		Transmission:      field("transmission"),
	}, nil
}

// HomeRegion returns where vin's data is served from. Results are cached.
func (c *Client) HomeRegion(ctx context.Context, vin string) (*Region, error) {
	const op = "vehicle.(Client).HomeRegion"
	if vin == "" {
		return nil, connect.NewError(connect.KindInvalidRequest, connect.WithOp(op), connect.WithMsg("missing vin"), connect.WithWrap(connect.ErrInvalidParameter))
	}
	c.mu.Lock()
	r, ok := c.regions[vin]
	c.mu.Unlock()
	if ok {
		return r, nil
	}

	u := fmt.Sprintf("%s/api/cs/vds/v1/vehicles/%s/homeRegion", c.regionLookup, vin)
	out, err := c.conn.Get(ctx, connect.AudienceService, u)
	if err != nil {
		return nil, err
	}
	if !out.OK() {
		return nil, connect.NewError(connect.KindOf(out.Err()), connect.WithOp(op), connect.WithMsg("unable to read home region"), connect.WithWrap(out.Err()), connect.WithStatusCode(out.StatusCode))
	}
	base, _ := lookup(out.Object(), "homeRegion", "baseUri", "content").(string)
	if base == "" {
		return nil, connect.NewError(connect.KindRequest, connect.WithOp(op), connect.WithMsg("response has no home region"))
	}
	r = &Region{BaseURI: base, Home: c.homeFor(base)}
	c.mu.Lock()
	c.regions[vin] = r
	c.mu.Unlock()
	c.logger.Debug("home region", "vin", vin, "home", r.Home)
	return r, nil
}

// homeFor maps a reported home region to the base of its data endpoints.
// Vehicles homed at the lookup service itself use the default home.
func (c *Client) homeFor(base string) string {
	base = strings.TrimSuffix(base, "/")
	if base == c.regionLookup+"/api" {
		return c.defaultHome
	}
	return strings.Replace(strings.TrimSuffix(base, "/api"), "mal-", "fal-", 1)
}

// OperationList returns the services vin is licensed for.
func (c *Client) OperationList(ctx context.Context, vin string) (map[string]interface{}, error) {
	const op = "vehicle.(Client).OperationList"
	r, err := c.HomeRegion(ctx, vin)
	if err != nil {
		return nil, err
	}
	out, err := c.conn.Get(ctx, connect.AudienceService, fmt.Sprintf("%s/api/rolesrights/operationlist/v3/vehicles/%s", r.Home, vin))
	if err != nil {
		return nil, err
	}
	if !out.OK() {
		return nil, connect.NewError(connect.KindOf(out.Err()), connect.WithOp(op), connect.WithWrap(out.Err()), connect.WithStatusCode(out.StatusCode))
	}
	list, ok := out.Object()["operationList"].(map[string]interface{})
	if !ok {
		return nil, connect.NewError(connect.KindRequest, connect.WithOp(op), connect.WithMsg("response has no operation list"))
	}
	return list, nil
}

// Fetch reads a resource of vin.
func (c *Client) Fetch(ctx context.Context, vin string, res Resource) (*Report, error) {
	const op = "vehicle.(Client).Fetch"
	spec, ok := resources[res]
	if !ok {
		return nil, connect.NewError(connect.KindInvalidRequest, connect.WithOp(op), connect.WithMsg(fmt.Sprintf("unknown resource %q", res)), connect.WithWrap(connect.ErrInvalidParameter))
	}
	r, err := c.HomeRegion(ctx, vin)
	if err != nil {
		return nil, err
	}
	u := r.Home + "/fs-car/bs/" + fmt.Sprintf(spec.path, c.brand, c.country, vin)
	out, err := c.conn.Get(ctx, connect.AudienceService, u)
	if err != nil {
		return nil, err
	}
	report := &Report{Resource: res, RateLimitRemaining: out.RateLimitRemaining}
	switch {
	case res == ResourcePosition && out.Class == connect.ClassNoContent:
		report.Moving = true
		return report, nil
	case !out.OK():
		return nil, connect.NewError(connect.KindOf(out.Err()), connect.WithOp(op), connect.WithMsg(fmt.Sprintf("unable to fetch %s", res)), connect.WithWrap(out.Err()), connect.WithStatusCode(out.StatusCode))
	}
	data, ok := out.Object()[spec.key].(map[string]interface{})
	if !ok {
		return nil, connect.NewError(connect.KindRequest, connect.WithOp(op), connect.WithMsg(fmt.Sprintf("%s response has no %s", res, spec.key)))
	}
	report.Data = data
	if res == ResourceStatus {
		report.Fields = statusFields(data)
	}
	return report, nil
}

// statusFields indexes the fields of a stored vehicle data response by id.
func statusFields(data map[string]interface{}) map[string]interface{} {
	fields := map[string]interface{}{}
	blocks, _ := lookup(data, "vehicleData", "data").([]interface{})
	for _, b := range blocks {
		bm, _ := b.(map[string]interface{})
		entries, _ := bm["field"].([]interface{})
		for _, e := range entries {
			em, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			id, _ := em["id"].(string)
			if id == "" {
				continue
			}
			if _, ok := em["value"]; ok {
				fields[id] = em
				continue
			}
			fields[id] = nil
		}
	}
	return fields
}

// UpdateAll fetches the configured resources for every vehicle, discovering
// them first if needed. Vehicles are updated concurrently. A throttled
// response or an unknown home region aborts the update; other failures are
// recorded in the vehicle's Snapshot.
func (c *Client) UpdateAll(ctx context.Context) (map[string]*Snapshot, error) {
	c.mu.Lock()
	known := append([]Vehicle(nil), c.vehicles...)
	c.mu.Unlock()
	if len(known) == 0 {
		var err error
		if known, err = c.Vehicles(ctx); err != nil {
			return nil, err
		}
	}

	var mu sync.Mutex
	snapshots := make(map[string]*Snapshot, len(known))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, v := range known {
		vin := v.VIN
		mu.Lock()
		_, queued := snapshots[vin]
		if !queued {
			snapshots[vin] = nil
		}
		mu.Unlock()
		if queued {
			c.logger.Debug("vehicle already queued for update", "vin", vin)
			continue
		}
		g.Go(func() error {
			s, err := c.update(gctx, vin)
			if err != nil {
				return err
			}
			mu.Lock()
			snapshots[vin] = s
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snapshots, nil
}

func (c *Client) update(ctx context.Context, vin string) (*Snapshot, error) {
	r, err := c.HomeRegion(ctx, vin)
	if err != nil {
		return nil, err
	}
	s := &Snapshot{VIN: vin, Region: r, Reports: map[Resource]*Report{}, Errors: map[Resource]error{}}
	for _, res := range c.resources {
		report, err := c.Fetch(ctx, vin, res)
		switch {
		case errors.Is(err, connect.KindThrottled):
			c.logger.Warn("too many requests, further requests can only be made after the next trip", "vin", vin)
			return nil, err
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			c.logger.Debug("unable to fetch resource", "vin", vin, "resource", res, "error", err)
			s.Errors[res] = err
		default:
			s.Reports[res] = report
		}
	}
	return s, nil
}

// lookup walks nested maps along path.
func lookup(m map[string]interface{}, path ...string) interface{} {
	var cur interface{} = m
	for _, p := range path {
		cm, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = cm[p]
	}
	return cur
}
