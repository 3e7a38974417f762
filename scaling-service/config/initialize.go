// Copyright (c) 2022 Whist Technologies, Inc.

package config

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/whisthq/whist/backend/control-plane/utils"
	logger "github.com/whisthq/whist/backend/control-plane/whistlogger"
)

// getConfigFromEnv collects the configuration keys this package understands
// from the process environment.
func getConfigFromEnv() map[string]string {
	keys := []string{"ENABLED_REGIONS", "MANDELBOX_LIMIT_PER_USER"}

	db := map[string]string{}
	for _, env := range os.Environ() {
		pair := strings.SplitN(env, "=", 2)
		if strings.HasPrefix(pair[0], "DESIRED_FREE_MANDELBOXES_") {
			db[pair[0]] = pair[1]
		}
	}
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok {
			db[key] = value
		}
	}

	return db
}

// getEnabledRegions extracts the list of regions in which users may request
// Mandelboxes from the collected configuration and stores the result in the
// string slice pointer provided. This function assumes that it is the only
// one with access to the memory containing the slice. Make sure to lock that
// data before calling this function.
func getEnabledRegions(db map[string]string, regions *[]string) error {
	data, ok := db["ENABLED_REGIONS"]

	if !ok {
		*regions = []string{"us-east-1"}
		logger.Warningf("Configuration key ENABLED_REGIONS not found. Falling "+
			"back to %v", *regions)

		return nil
	}

	var temp []string

	if err := json.Unmarshal([]byte(data), &temp); err != nil {
		return err
	}

	*regions = temp

	logger.Infof("Enabled regions: %v", *regions)

	return nil
}

// getMandelboxLimit extracts the mandelbox limit from the collected
// configuration and stores the result in the int pointer provided.
// This function assumes that it is the only one with access to the memory
// containing the value. Make sure to lock that data before calling this
// function.
func getMandelboxLimit(db map[string]string, mandelboxLimit *int32) error {
	data, ok := db["MANDELBOX_LIMIT_PER_USER"]

	if !ok {
		*mandelboxLimit = 3
		logger.Warningf("Configuration key MANDELBOX_LIMIT_PER_USER not found. Falling "+
			"back to %v", *mandelboxLimit)

		return nil
	}

	var temp int32

	if err := json.Unmarshal([]byte(data), &temp); err != nil {
		return err
	}

	*mandelboxLimit = temp

	logger.Infof("Allowed mandelboxes per user: %v", *mandelboxLimit)

	return nil
}

// getFreeMandelboxes fills in the number of mandelboxes to keep warm on each
// enabled region.
func getFreeMandelboxes(db map[string]string, regions []string, dest *map[string]int) {
	mboxes := make(map[string]int)

	for _, region := range regions {
		var n int
		suffix := strings.ToUpper(strings.ReplaceAll(region, "-", "_"))
		key := utils.Sprintf("DESIRED_FREE_MANDELBOXES_%s", suffix)
		count, ok := db[key]
		fallback := 2

		if !ok {
			n = fallback
			logger.Errorf("no value specified for configuration key '%s'. Using %d "+
				"by default.", key, n)
		} else if k, err := strconv.Atoi(count); err != nil {
			n = fallback
			logger.Errorf("Failed to parse value for configuration key '%s': %s", key,
				err)
		} else {
			n = k
		}

		mboxes[region] = n
	}

	*dest = mboxes
}

// initialize populates the configuration singleton with values from the
// environment.
func initialize(_ context.Context) error {
	rw.Lock()
	defer rw.Unlock()

	// Copy the existing configuration after acquiring the write lock so we can
	// perform the update atomically.
	newConfig := config

	db := getConfigFromEnv()

	if err := getEnabledRegions(db, &newConfig.enabledRegions); err != nil {
		return err
	}

	if err := getMandelboxLimit(db, &newConfig.mandelboxLimitPerUser); err != nil {
		return err
	}

	getFreeMandelboxes(db, newConfig.enabledRegions,
		&newConfig.targetFreeMandelboxes)

	config = newConfig

	return nil
}

// initializeLocal populates the global configuration singleton with static
// data.
func initializeLocal(_ context.Context) error {
	rw.Lock()
	defer rw.Unlock()

	config.enabledRegions = []string{"us-east-1", "test-region"}
	config.mandelboxLimitPerUser = 3
	config.targetFreeMandelboxes = make(map[string]int)

	for _, region := range config.enabledRegions {
		config.targetFreeMandelboxes[region] = 2
	}

	logger.Warningf("Scaling service local build not fetching configuration " +
		"values from the environment. Using static configuration instead.")

	return nil
}
