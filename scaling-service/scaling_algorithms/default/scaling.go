// Copyright (c) 2022 Whist Technologies, Inc.

package scaling_algorithms

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisthq/whist/backend/control-plane/metadata"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/config"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/dbdriver"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/scaling_algorithms/helpers"
	"github.com/whisthq/whist/backend/control-plane/utils"
	logger "github.com/whisthq/whist/backend/control-plane/whistlogger"
)

// countActiveMandelboxes returns the number of mandelboxes on the given
// instance that have not finished. The caller is responsible for holding
// any locks needed to make this count trustworthy.
func countActiveMandelboxes(ctx context.Context, q dbdriver.Querier, instanceID string) (int64, error) {
	var total int64
	for _, status := range []dbdriver.MandelboxStatus{
		dbdriver.MandelboxStatusAllocated,
		dbdriver.MandelboxStatusConnecting,
		dbdriver.MandelboxStatusRunning,
	} {
		mandelboxes, err := q.QueryMandelbox(ctx, instanceID, status)
		if err != nil {
			return 0, err
		}
		total += int64(len(mandelboxes))
	}
	return total, nil
}

// ScaleDownIfNecessary is a scaling action which runs every time the scale down
// scheduled event is received. It consists of the following logic:
// - Compute the free mandelbox capacity on the region's current image. Extra
// instances on the current image are drained while the capacity stays above
// the desired buffer.
// - Drain any idle instance running an image that is no longer active, unless
// the image is protected by an in-progress deploy.
// - Terminate instances that have been draining for too long without shutting
// themselves down.
func (s *DefaultScalingAlgorithm) ScaleDownIfNecessary(scalingCtx context.Context, event ScalingEvent) error {
	// Always verify capacity after scaling down instances.
	defer func() {
		err := s.VerifyCapacity(scalingCtx, event)
		if err != nil {
			logger.Errorf("error verifying capacity on %s: %s", event.Region, err)
		}
	}()

	contextFields := []interface{}{
		zap.String("id", event.ID),
		zap.Any("type", event.Type),
		zap.String("region", event.Region),
	}

	latestImage, err := s.DBClient.QueryLatestImage(scalingCtx, "AWS", event.Region)
	if errors.Is(err, dbdriver.ErrNotFound) {
		logger.Infow(utils.Sprintf("Region %s does not have an active image, skipping scale down.", event.Region), contextFields)
		return nil
	}
	if err != nil {
		return utils.MakeError("failed to query latest image on %s: %s", event.Region, err)
	}

	var (
		// drainedInstances are the instances we marked as draining on this
		// pass. The host agent on each is notified once the lock is released.
		drainedInstances []dbdriver.Instance
		// lingeringIDs are draining instances that failed to shut themselves
		// down in a reasonable time and have to be terminated directly.
		lingeringIDs []string
	)

	err = s.DBClient.WithRegionImageLock(scalingCtx, event.Region, latestImage.ImageID, func(q dbdriver.Querier) error {
		allActive, err := q.QueryInstancesByStatusOnRegion(scalingCtx, dbdriver.InstanceStatusActive, event.Region)
		if err != nil {
			return utils.MakeError("failed to query active instances on %s: %s", event.Region, err)
		}

		allDraining, err := q.QueryInstancesByStatusOnRegion(scalingCtx, dbdriver.InstanceStatusDraining, event.Region)
		if err != nil {
			return utils.MakeError("failed to query draining instances on %s: %s", event.Region, err)
		}

		instancesWithRoom, err := q.QueryInstancesWithCapacity(scalingCtx, event.Region)
		if err != nil {
			return utils.MakeError("failed to query instances with capacity on %s: %s", event.Region, err)
		}

		images, err := q.QueryImagesByRegion(scalingCtx, event.Region)
		if err != nil {
			return utils.MakeError("failed to query images on %s: %s", event.Region, err)
		}

		protectedImages := map[string]bool{}
		for _, image := range images {
			if image.Protected {
				protectedImages[image.ImageID] = true
			}
		}

		runningCount := map[string]int64{}
		hasRoomRow := map[string]bool{}
		for _, row := range instancesWithRoom {
			runningCount[row.ID] = row.RunningMandelboxes
			hasRoomRow[row.ID] = true
		}

		// targetFreeMandelboxes is the amount of free capacity that should be
		// left on the region after scaling down.
		targetFreeMandelboxes := int64(config.GetTargetFreeMandelboxes(event.Region)) +
			int64(defaultInstanceBuffer)*instanceCapacity["g4dn.2xlarge"]

		_, mandelboxCapacity := helpers.ComputeRealCapacity(latestImage.ImageID, instancesWithRoom)

		for _, instance := range allActive {
			// Active instances that are running mandelboxes, or are full, are
			// never touched by the scale down.
			if !hasRoomRow[instance.ID] || runningCount[instance.ID] > 0 {
				continue
			}

			if protectedImages[instance.ImageID] {
				logger.Infow(utils.Sprintf("Not scaling down instance %s because it has an image with protection from scale down.", instance.ID), contextFields)
				continue
			}

			if instance.ImageID == latestImage.ImageID {
				// Only drain current-image instances while the remaining free
				// capacity stays at or above the desired buffer.
				if mandelboxCapacity-instance.Capacity < targetFreeMandelboxes {
					continue
				}
				mandelboxCapacity -= instance.Capacity
			}

			logger.Infow(utils.Sprintf("Marking instance %s as draining.", instance.ID), contextFields)
			_, err := q.UpdateInstanceStatus(scalingCtx, instance.ID, dbdriver.InstanceStatusDraining)
			if err != nil {
				return utils.MakeError("failed to mark instance %s as draining: %s", instance.ID, err)
			}
			drainedInstances = append(drainedInstances, instance)
		}

		for _, instance := range allDraining {
			if time.Since(instance.UpdatedAt) < lingerTime {
				continue
			}

			logger.Infow(utils.Sprintf("Instance %s has been draining for too long, terminating.", instance.ID), contextFields)
			_, err := q.UpdateInstanceStatus(scalingCtx, instance.ID, dbdriver.InstanceStatusTerminating)
			if err != nil {
				return utils.MakeError("failed to mark instance %s as terminating: %s", instance.ID, err)
			}
			lingeringIDs = append(lingeringIDs, instance.ID)
		}

		return nil
	})
	if err != nil {
		return err
	}

	// Notify the host agent on each drained instance, so it shuts itself down
	// once its mandelboxes exit. Hosts that can't be reached are marked as
	// unresponsive and terminated right away.
	var unreachableIDs []string
	for _, instance := range drainedInstances {
		err := s.HostAgent.DrainAndShutdown(scalingCtx, instance.IPAddress)
		if err != nil {
			logger.Warningf("failed to reach host agent on instance %s to start draining: %s", instance.ID, err)
			_, err = s.DBClient.UpdateInstanceStatus(scalingCtx, instance.ID, dbdriver.InstanceStatusUnresponsive)
			if err != nil {
				logger.Errorf("failed to mark instance %s as unresponsive: %s", instance.ID, err)
			}
			unreachableIDs = append(unreachableIDs, instance.ID)
		}
	}

	if len(unreachableIDs) > 0 {
		logger.Infow(utils.Sprintf("Terminating %d unresponsive instances.", len(unreachableIDs)), contextFields)

		err := s.Host.SpinDownInstances(scalingCtx, unreachableIDs)
		if err != nil {
			return utils.MakeError("failed to terminate unresponsive instances %v: %s", unreachableIDs, err)
		}

		err = s.VerifyInstanceRemoval(scalingCtx, event, unreachableIDs)
		if err != nil {
			return err
		}
	}

	if len(lingeringIDs) > 0 {
		if !metadata.IsLocalEnv() || metadata.IsRunningInCI() {
			err := s.Host.SpinDownInstances(scalingCtx, lingeringIDs)
			if err != nil {
				return utils.MakeError("failed to terminate lingering instances %v: %s", lingeringIDs, err)
			}
		} else {
			logger.Infow(utils.Sprintf("Running on localdev so not spinning down lingering instances."), contextFields)
		}

		err = s.VerifyInstanceRemoval(scalingCtx, event, lingeringIDs)
		if err != nil {
			return err
		}
	}

	if len(drainedInstances) == 0 && len(lingeringIDs) == 0 {
		logger.Infow(utils.Sprintf("There are no instances to scale down on region %s.", event.Region), contextFields)
	}

	return nil
}

// ScaleUpIfNecessary is a scaling action that launches the received number of
// instances on the cloud provider and registers them on the database with the
// received image. Launch failures are retried with an exponential backoff
// until the context is cancelled, and the database rows are only inserted
// once the cloud provider confirms the launch.
func (s *DefaultScalingAlgorithm) ScaleUpIfNecessary(instancesToScale int, scalingCtx context.Context, event ScalingEvent, image dbdriver.Image) error {
	contextFields := []interface{}{
		zap.String("id", event.ID),
		zap.Any("type", event.Type),
		zap.String("region", event.Region),
	}

	logger.Infow(utils.Sprintf("Launching %d instances on region %s with image %s.", instancesToScale, event.Region, image.ImageID), contextFields)

	var instancesForDB []dbdriver.Instance

	// If we are running on a local or testing environment, spinup "fake"
	// instances to avoid costs. Otherwise, launch the instances on the
	// cloud provider.
	if metadata.IsLocalEnv() && !metadata.IsRunningInCI() {
		logger.Infow(utils.Sprintf("Running on localdev so scaling up fake instances."), contextFields)
		instancesForDB = helpers.CreateFakeInstances(instancesToScale, image.ImageID, event.Region)
	} else {
		retryPolicy := backoff.NewExponentialBackOff()
		retryPolicy.InitialInterval = scaleUpRetryBase
		retryPolicy.MaxInterval = scaleUpRetryCap
		retryPolicy.MaxElapsedTime = 0

		// One token per launch decision. Every retry carries the same token,
		// so the cloud provider deduplicates launch requests that failed
		// after the instances were already started.
		dedupToken := uuid.NewString()

		err := backoff.Retry(func() error {
			var err error
			instancesForDB, err = s.Host.SpinUpInstances(scalingCtx, int32(instancesToScale), maxWaitTimeReady, image, dedupToken)
			if err != nil {
				logger.Warningf("failed to launch instances on %s, retrying: %s", event.Region, err)
			}
			return err
		}, backoff.WithContext(retryPolicy, scalingCtx))
		if err != nil {
			return utils.MakeError("failed to launch instances on %s: %s", event.Region, err)
		}
	}

	for i := range instancesForDB {
		if capacity, ok := instanceCapacity[instancesForDB[i].Type]; ok {
			instancesForDB[i].Capacity = capacity
		}
	}

	affectedRows, err := s.DBClient.InsertInstances(scalingCtx, instancesForDB)
	if err != nil {
		return utils.MakeError("failed to insert instances into database: %s", err)
	}

	logger.Infow(utils.Sprintf("Inserted %d rows to database.", affectedRows), contextFields)

	return nil
}
