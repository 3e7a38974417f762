// Copyright (c) 2022 Whist Technologies, Inc.

// Package config provides functions for fetching configuration values from
// the environment when the scaling service starts and for reading those
// values while the scaling service is running. It reads the list of enabled
// regions, the per-user mandelbox limit, and the number of free mandelboxes
// to keep warm on each region.
// config.Initialize() should be called as close as possible to the top of the
// main function.
package config

import (
	"context"
	"sync"

	"github.com/whisthq/whist/backend/control-plane/metadata"
)

// serviceConfig stores service-global configuration values.
type serviceConfig struct {
	// enabledRegions is the list of regions in which users are allowed to request
	// Mandelboxes.
	enabledRegions []string

	// mandelboxLimitPerUser is the maximum number of active mandelboxes a
	// user can have.
	mandelboxLimitPerUser int32

	// targetFreeMandelboxes maps region names to integers, where the integer
	// associated with each region is the number of Mandelboxes we want to have
	// available at all times. This might differ from the actual number
	// of Mandelboxes we have available at any given time, but that's what scaling
	// algorithms are for.
	targetFreeMandelboxes map[string]int
}

// config is a singleton that stores service-global configuration values.
var config serviceConfig

// rw sychronizes access to the configuration singleton.
var rw sync.RWMutex

// bundledRegions maps each region to the nearby regions we are willing to
// place a user in when their requested region is full. Latency between
// bundled regions is low enough that the user experience survives the
// detour.
var bundledRegions = map[string][]string{
	"us-east-1":    {"us-east-2", "ca-central-1"},
	"us-east-2":    {"us-east-1", "ca-central-1"},
	"ca-central-1": {"us-east-1", "us-east-2"},
	"us-west-1":    {"us-west-2"},
	"us-west-2":    {"us-west-1"},
}

// Initialize populates the configuration singleton with values from the
// environment.
func Initialize(ctx context.Context) error {
	if metadata.IsLocalEnvWithoutDB() {
		return initializeLocal(ctx)
	}

	return initialize(ctx)
}

// GetEnabledRegions returns a list of regions in which a user may request a
// Mandelbox. Attempting to launch an instance in one of the regions returned
// by this function may still result in an error if the requisite cloud
// infrastructure does not exist in that region.
func GetEnabledRegions() []string {
	rw.RLock()
	defer rw.RUnlock()

	return config.enabledRegions
}

// GetMandelboxLimitPerUser returns the limit of mandelboxes a user can request.
// This includes mandelboxes that are running or in the process of getting ready.
func GetMandelboxLimitPerUser() int32 {
	rw.RLock()
	defer rw.RUnlock()

	return config.mandelboxLimitPerUser
}

// GetTargetFreeMandelboxes returns the number of Mandelboxes we want to have
// available all times in a particular region.
func GetTargetFreeMandelboxes(r string) int {
	rw.RLock()
	defer rw.RUnlock()

	if n, ok := config.targetFreeMandelboxes[r]; ok {
		return n
	}

	return 0
}

// GetBundledRegions returns the regions we are willing to fall back to when
// the given region has no capacity, in preference order. Regions that are
// not currently enabled are filtered out.
func GetBundledRegions(r string) []string {
	rw.RLock()
	defer rw.RUnlock()

	enabled := map[string]bool{}
	for _, region := range config.enabledRegions {
		enabled[region] = true
	}

	var fallbacks []string
	for _, region := range bundledRegions[r] {
		if enabled[region] {
			fallbacks = append(fallbacks, region)
		}
	}

	return fallbacks
}
