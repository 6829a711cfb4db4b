// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// carconnect provides a collection of related packages which sign a user in
// to a vehicle connectivity service, keep its tokens fresh and read vehicle
// data with them.
//
// See the connect, jwt and vehicle packages.
package carconnect
