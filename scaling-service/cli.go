// Copyright (c) 2022-2023 Whist Technologies, Inc.

package main

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/config"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/dbdriver"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/hostagent"
	algos "github.com/whisthq/whist/backend/control-plane/scaling-service/scaling_algorithms/default"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/scaling_algorithms/helpers"
	"github.com/whisthq/whist/backend/control-plane/utils"
	logger "github.com/whisthq/whist/backend/control-plane/whistlogger"
	"golang.org/x/sync/errgroup"
)

var rootCmd = &cobra.Command{
	Use:   "scaling-service",
	Short: "Assigns users to instances and scales instance capacity on each region",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runService()
	},
	SilenceUsage: true,
}

var amiCmd = &cobra.Command{
	Use:   "ami",
	Short: "Manage the images used to launch instances",
}

var createBuffersCmd = &cobra.Command{
	Use:   "create-buffers client_commit_hash region_image_map",
	Short: "Launch buffer instances running new images on each region",
	Long: `create-buffers starts the first phase of an image upgrade. It registers the
new image of each region as inactive and protected, launches a buffer of
instances running it and waits until the buffers are ready to accept
mandelboxes. The region image map is a JSON object from region name to image
id. Regions that fail to build their buffer are reported but do not abort
the remaining regions. Once the buffers exist, run swap-over-buffers to make
the new images active.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		clientSHA := args[0]

		var regionImages map[string]string
		if err := json.Unmarshal([]byte(args[1]), &regionImages); err != nil {
			return utils.MakeError("failed to parse region image map: %s", err)
		}

		ctx := cmd.Context()
		db, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		// One goroutine per region. A plain errgroup has no shared
		// cancellation, so one region failing its buffer does not
		// abort the others.
		var group errgroup.Group
		for region, imageID := range regionImages {
			region, imageID := region, imageID
			group.Go(func() error {
				algorithm, err := newOneShotAlgorithm(region, db)
				if err != nil {
					return err
				}

				event := algos.ScalingEvent{
					ID:     uuid.NewString(),
					Type:   algos.ImageUpgradeEvent,
					Region: region,
				}
				return algorithm.UpgradeImage(ctx, event, clientSHA, imageID)
			})
		}

		return group.Wait()
	},
}

var swapOverBuffersCmd = &cobra.Command{
	Use:   "swap-over-buffers client_commit_hash",
	Short: "Make the buffered images of the given generation active on every region",
	Long: `swap-over-buffers finishes an image upgrade started by create-buffers. In a
single transaction it retires the previously active image of every enabled
region and activates the buffered image of the given client commit hash.
Regions where create-buffers failed keep their current image. Instances
running retired images are drained by the periodic monitor routine.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		return algos.SwapOverImageBuffers(ctx, db, args[0], config.GetEnabledRegions())
	},
}

var computeCmd = &cobra.Command{
	Use:   "compute",
	Short: "Operate on the instances of the enabled regions",
}

var scaleDownInstancesCmd = &cobra.Command{
	Use:   "scale-down-instances",
	Short: "Run one scale down pass over every enabled region",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runForEachRegion(cmd.Context(), algos.ScheduledScaleDownEvent,
			func(ctx context.Context, algorithm *algos.DefaultScalingAlgorithm, event algos.ScalingEvent) error {
				return algorithm.ScaleDownIfNecessary(ctx, event)
			})
	},
}

var pruneLingeringInstancesCmd = &cobra.Command{
	Use:   "prune-lingering-instances",
	Short: "Run one monitor pass over every enabled region",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runForEachRegion(cmd.Context(), algos.ScheduledMonitorEvent,
			func(ctx context.Context, algorithm *algos.DefaultScalingAlgorithm, event algos.ScalingEvent) error {
				return algorithm.MonitorInstances(ctx, event)
			})
	},
}

func init() {
	amiCmd.AddCommand(createBuffersCmd, swapOverBuffersCmd)
	computeCmd.AddCommand(scaleDownInstancesCmd, pruneLingeringInstancesCmd)
	rootCmd.AddCommand(amiCmd, computeCmd)
}

// openStore initializes the configuration and connects to the database for
// the one-shot commands.
func openStore(ctx context.Context) (dbdriver.WhistDBClient, error) {
	if err := config.Initialize(ctx); err != nil {
		return nil, utils.MakeError("failed to initialize configuration: %s", err)
	}

	db, err := dbdriver.NewDBClient(ctx)
	if err != nil {
		return nil, utils.MakeError("failed to connect to the database: %s", err)
	}

	return db, nil
}

// newOneShotAlgorithm builds a scaling algorithm for a single action on the
// given region, without starting its event loop.
func newOneShotAlgorithm(region string, db dbdriver.WhistDBClient) (*algos.DefaultScalingAlgorithm, error) {
	host := helpers.GetHostFromProvider("AWS")
	if err := host.Initialize(region); err != nil {
		return nil, utils.MakeError("failed to initialize host on region %s: %s", region, err)
	}

	algorithm := &algos.DefaultScalingAlgorithm{
		Region:    region,
		DBClient:  db,
		Host:      host,
		HostAgent: hostagent.NewHTTPClient(),
		Clock:     clockwork.NewRealClock(),
	}
	algorithm.CreateBuffer()

	return algorithm, nil
}

// runForEachRegion runs the given scaling action once on every enabled
// region. Failed regions are reported but do not stop the remaining ones,
// and any failure makes the command exit with a non-zero status.
func runForEachRegion(ctx context.Context, eventType string, action func(context.Context, *algos.DefaultScalingAlgorithm, algos.ScalingEvent) error) error {
	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	var failed []string
	for _, region := range config.GetEnabledRegions() {
		algorithm, err := newOneShotAlgorithm(region, db)
		if err != nil {
			logger.Errorf("skipping region %s: %s", region, err)
			failed = append(failed, region)
			continue
		}

		event := algos.ScalingEvent{
			ID:     uuid.NewString(),
			Type:   eventType,
			Region: region,
		}
		if err := action(ctx, algorithm, event); err != nil {
			logger.Errorf("error running %s on region %s: %s", eventType, region, err)
			failed = append(failed, region)
		}
	}

	if len(failed) > 0 {
		return utils.MakeError("failed on regions %s", utils.PrintSlice(failed, len(failed)))
	}

	return nil
}
