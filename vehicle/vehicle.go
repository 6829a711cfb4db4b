// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package vehicle

import "sort"

// Resource names a data set the service keeps for a vehicle.
type Resource string

const (
	ResourceStatus    Resource = "status"
	ResourceTrip      Resource = "trip"
	ResourcePosition  Resource = "position"
	ResourceTimer     Resource = "timer"
	ResourceClimater  Resource = "climater"
	ResourceCharger   Resource = "charger"
	ResourcePreheater Resource = "preheater"
)

type resourceSpec struct {
	// path below {home}/fs-car/bs/, with %s placeholders for brand, country
	// and vin
	path string
	// key of the response section holding the data
	key string
}

var resources = map[Resource]resourceSpec{
	ResourceStatus:    {path: "vsr/v1/%s/%s/vehicles/%s/status", key: "StoredVehicleDataResponse"},
	ResourceTrip:      {path: "tripstatistics/v1/%s/%s/vehicles/%s/tripdata/shortTerm?newest", key: "tripData"},
	ResourcePosition:  {path: "cf/v1/%s/%s/vehicles/%s/position", key: "findCarResponse"},
	ResourceTimer:     {path: "departuretimer/v1/%s/%s/vehicles/%s/timer", key: "timer"},
	ResourceClimater:  {path: "climatisation/v1/%s/%s/vehicles/%s/climater", key: "climater"},
	ResourceCharger:   {path: "batterycharge/v1/%s/%s/vehicles/%s/charger", key: "charger"},
	ResourcePreheater: {path: "rs/v1/%s/%s/vehicles/%s/status", key: "statusResponse"},
}

// Resources returns every known resource, sorted.
func Resources() []Resource {
	out := make([]Resource, 0, len(resources))
	for r := range resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Specification describes a vehicle as registered with the service.
type Specification struct {
	ModelCode         string
	Title             string
	ManufacturingDate string
	Color             string
	CountryCode       string
	Engine            string
	MMI               string
	Transmission      string
}

// Vehicle is a vehicle associated with the account.
type Vehicle struct {
	VIN           string
	Specification Specification
}

// Region is where a vehicle's data is served from.
type Region struct {
	// BaseURI is the home region as reported by the service.
	BaseURI string

	// Home is the base url of the vehicle's data endpoints.
	Home string
}

// Report is the result of fetching a Resource.
type Report struct {
	Resource Resource

	// Data is the resource's section of the response.
	Data map[string]interface{}

	// Fields indexes a status report's fields by id. Fields without a value
	// map to nil.
	Fields map[string]interface{}

	// Moving is set when the position is unavailable because the vehicle is
	// moving.
	Moving bool

	RateLimitRemaining *int
}

// Snapshot holds everything fetched for a vehicle in one update.
type Snapshot struct {
	VIN     string
	Region  *Region
	Reports map[Resource]*Report

	// Errors holds the resources that couldn't be fetched.
	Errors map[Resource]error
}
