// Copyright (c) 2022 Whist Technologies, Inc.

package config

import (
	"context"
	"reflect"
	"sort"
	"testing"

	"github.com/whisthq/whist/backend/control-plane/metadata"
)

// patchAppEnv patches metadata.GetAppEnvironment to simulate running in a
// particular metadata.AppEnvironment for the duration of a single test.
func patchAppEnv(e metadata.AppEnvironment, f func(*testing.T)) func(*testing.T) {
	return func(t *testing.T) {
		var getAppEnv = metadata.GetAppEnvironment

		t.Cleanup(func() {
			metadata.GetAppEnvironment = getAppEnv
		})

		metadata.GetAppEnvironment = func() metadata.AppEnvironment {
			return e
		}

		f(t)
	}
}

// TestGetEnabledRegions ensures that GetEnabledRegions returns the list of
// enabled regions retrieved from the environment.
func TestGetEnabledRegions(t *testing.T) {
	var tests = []struct {
		name    string
		value   string
		regions []string
	}{
		{"three regions", `["us-east-1", "us-west-1", "ca-central-1"]`, []string{"ca-central-1", "us-east-1", "us-west-1"}},
		{"empty list", `[]`, []string{}},
	}

	for _, test := range tests {
		t.Run(test.name, patchAppEnv(metadata.EnvProd, func(t *testing.T) {
			t.Setenv("ENABLED_REGIONS", test.value)

			if err := Initialize(context.Background()); err != nil {
				t.Fatal("Initialize:", err)
			}

			regions := GetEnabledRegions()

			sort.Strings(regions)

			if len(regions) == 0 && len(test.regions) == 0 {
				return
			}

			if !reflect.DeepEqual(regions, test.regions) {
				t.Errorf("Expected %v, got %v", test.regions, regions)
			}
		}))
	}
}

// TestGetMandelboxLimitPerUser ensures the per-user limit comes from the
// environment, with a sane default when the key is missing.
func TestGetMandelboxLimitPerUser(t *testing.T) {
	t.Run("from environment", patchAppEnv(metadata.EnvProd, func(t *testing.T) {
		t.Setenv("ENABLED_REGIONS", `["us-east-1"]`)
		t.Setenv("MANDELBOX_LIMIT_PER_USER", "5")

		if err := Initialize(context.Background()); err != nil {
			t.Fatal("Initialize:", err)
		}

		if limit := GetMandelboxLimitPerUser(); limit != 5 {
			t.Errorf("Expected limit 5, got %v", limit)
		}
	}))
}

// TestGetTargetFreeMandelboxes ensures the warm pool sizes are read
// per-region, falling back to the default for unconfigured regions.
func TestGetTargetFreeMandelboxes(t *testing.T) {
	patchAppEnv(metadata.EnvProd, func(t *testing.T) {
		t.Setenv("ENABLED_REGIONS", `["us-east-1", "us-west-2"]`)
		t.Setenv("DESIRED_FREE_MANDELBOXES_US_EAST_1", "4")

		if err := Initialize(context.Background()); err != nil {
			t.Fatal("Initialize:", err)
		}

		var tests = []struct {
			region string
			want   int
		}{
			{"us-east-1", 4},
			{"us-west-2", 2},
			{"eu-central-1", 0},
		}

		for _, tt := range tests {
			if got := GetTargetFreeMandelboxes(tt.region); got != tt.want {
				t.Errorf("Expected %d free mandelboxes on %s, got %d", tt.want, tt.region, got)
			}
		}
	})(t)
}

// TestGetBundledRegions ensures fallback regions keep their preference order
// and disabled regions are dropped.
func TestGetBundledRegions(t *testing.T) {
	patchAppEnv(metadata.EnvProd, func(t *testing.T) {
		t.Setenv("ENABLED_REGIONS", `["us-east-1", "ca-central-1", "us-west-1"]`)

		if err := Initialize(context.Background()); err != nil {
			t.Fatal("Initialize:", err)
		}

		var tests = []struct {
			region string
			want   []string
		}{
			// us-east-2 is not enabled, so only ca-central-1 remains.
			{"us-east-1", []string{"ca-central-1"}},
			{"ca-central-1", []string{"us-east-1"}},
			// us-west-2 is not enabled and us-west-1 has no other bundle member.
			{"us-west-1", nil},
			{"eu-central-1", nil},
		}

		for _, tt := range tests {
			got := GetBundledRegions(tt.region)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected bundled regions for %s to be %v, got %v", tt.region, tt.want, got)
			}
		}
	})(t)
}
