// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package vehicle discovers the vehicles of an account, reads their data and
// sends them actions through a connect.Client. Actions protected by the
// S-PIN are authorized with a security token first.
package vehicle
