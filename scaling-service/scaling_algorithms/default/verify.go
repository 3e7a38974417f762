// Copyright (c) 2022 Whist Technologies, Inc.

package scaling_algorithms

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/whisthq/whist/backend/control-plane/metadata"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/config"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/dbdriver"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/scaling_algorithms/helpers"
	"github.com/whisthq/whist/backend/control-plane/utils"
	logger "github.com/whisthq/whist/backend/control-plane/whistlogger"
)

// VerifyInstanceScaleDown is a scaling action which fires when an instance is
// marked as draining on the database. Its purpose is to verify and wait until
// the instance is terminated from the cloud provider and removed from the
// database, so that it is possible to scale up again if necessary.
func (s *DefaultScalingAlgorithm) VerifyInstanceScaleDown(scalingCtx context.Context, event ScalingEvent, instance dbdriver.Instance) error {
	// Always verify capacity when done, the draining instance might have
	// left the region with less capacity than desired.
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

	logger.Infow(utils.Sprintf("Verifying scale down for instance %s.", instance.ID), contextFields)

	// First, verify if the draining instance has mandelboxes running. If so,
	// leave it alone, the host agent will shut it down once they exit.
	activeMandelboxes, err := countActiveMandelboxes(scalingCtx, s.DBClient, instance.ID)
	if err != nil {
		return utils.MakeError("failed to query mandelboxes on instance %s: %s", instance.ID, err)
	}

	if activeMandelboxes > 0 {
		logger.Infow(utils.Sprintf("Instance %s has %d mandelboxes running, not marking as terminating.", instance.ID, activeMandelboxes), contextFields)
		return nil
	}

	if !metadata.IsLocalEnv() || metadata.IsRunningInCI() {
		err = s.Host.SpinDownInstances(scalingCtx, []string{instance.ID})
		if err != nil {
			return utils.MakeError("failed to terminate instance %s: %s", instance.ID, err)
		}
	}

	return s.VerifyInstanceRemoval(scalingCtx, event, []string{instance.ID})
}

// VerifyCapacity is a scaling action which checks the free mandelbox capacity
// on the region's current image and scales up if the region has fallen below
// the desired buffer. The computation runs under the region-image lock so
// that concurrent invocations don't launch duplicate instances.
func (s *DefaultScalingAlgorithm) VerifyCapacity(scalingCtx context.Context, event ScalingEvent) error {
	contextFields := []interface{}{
		zap.String("id", event.ID),
		zap.Any("type", event.Type),
		zap.String("region", event.Region),
	}

	logger.Infow(utils.Sprintf("Verifying capacity on %s", event.Region), contextFields)

	latestImage, err := s.DBClient.QueryLatestImage(scalingCtx, "AWS", event.Region)
	if errors.Is(err, dbdriver.ErrNotFound) {
		logger.Infow(utils.Sprintf("Region %s does not have an active image, skipping capacity check.", event.Region), contextFields)
		return nil
	}
	if err != nil {
		return utils.MakeError("failed to query latest image on %s: %s", event.Region, err)
	}

	return s.verifyCapacityForImage(scalingCtx, event, latestImage)
}

// verifyCapacityForImage checks the free capacity on the given image and
// scales up if needed. It is used by VerifyCapacity for the region's current
// image and by the image upgrade to build the buffer of a new image.
func (s *DefaultScalingAlgorithm) verifyCapacityForImage(scalingCtx context.Context, event ScalingEvent, image dbdriver.Image) error {
	contextFields := []interface{}{
		zap.String("id", event.ID),
		zap.Any("type", event.Type),
		zap.String("region", event.Region),
	}

	return s.DBClient.WithRegionImageLock(scalingCtx, event.Region, image.ImageID, func(q dbdriver.Querier) error {
		instancesWithRoom, err := q.QueryInstancesWithCapacity(scalingCtx, event.Region)
		if err != nil {
			return utils.MakeError("failed to query instances with capacity on %s: %s", event.Region, err)
		}

		startingInstances, err := q.QueryInstancesByStatusOnRegion(scalingCtx, dbdriver.InstanceStatusPreConnection, event.Region)
		if err != nil {
			return utils.MakeError("failed to query starting instances on %s: %s", event.Region, err)
		}

		// Compute the expected capacity, looking at both active and starting
		// instances. Counting starting instances means repeated capacity
		// checks won't launch duplicate instances while one is booting.
		_, expectedMandelboxCapacity := helpers.ComputeExpectedCapacity(image.ImageID, instancesWithRoom, startingInstances)

		targetFreeMandelboxes := int64(config.GetTargetFreeMandelboxes(event.Region))

		if expectedMandelboxCapacity >= targetFreeMandelboxes {
			logger.Infow(utils.Sprintf("Capacity on %s is enough, %d free mandelboxes for a desired %d.", event.Region, expectedMandelboxCapacity, targetFreeMandelboxes), contextFields)
			return nil
		}

		logger.Infow(utils.Sprintf("Current capacity of %d free mandelboxes is less than desired %d. Scaling up %d instances.", expectedMandelboxCapacity, targetFreeMandelboxes, defaultInstanceBuffer), contextFields)

		return s.ScaleUpIfNecessary(defaultInstanceBuffer, scalingCtx, event, image)
	})
}

// VerifyInstanceRemoval waits until the cloud provider reports the given
// instances as terminated, and then removes any rows left on the database.
// The database rows are normally deleted by the host agent's shutdown
// handshake, so usually there is nothing left to remove.
func (s *DefaultScalingAlgorithm) VerifyInstanceRemoval(scalingCtx context.Context, event ScalingEvent, instanceIDs []string) error {
	contextFields := []interface{}{
		zap.String("id", event.ID),
		zap.Any("type", event.Type),
		zap.String("region", event.Region),
	}

	if !metadata.IsLocalEnv() || metadata.IsRunningInCI() {
		err := s.Host.WaitForInstanceTermination(scalingCtx, maxWaitTimeTerminated, instanceIDs)
		if err != nil {
			return utils.MakeError("failed to wait for instances %v to terminate: %s", instanceIDs, err)
		}
	}

	for _, instanceID := range instanceIDs {
		_, err := s.DBClient.QueryInstance(scalingCtx, instanceID)
		if errors.Is(err, dbdriver.ErrNotFound) {
			continue
		}
		if err != nil {
			return utils.MakeError("failed to query instance %s: %s", instanceID, err)
		}

		logger.Infow(utils.Sprintf("Removing instance %s from database.", instanceID), contextFields)

		affectedRows, err := s.DBClient.DeleteInstance(scalingCtx, instanceID)
		if err != nil {
			return utils.MakeError("failed to delete instance %s from database: %s", instanceID, err)
		}
		if affectedRows == 0 {
			logger.Warningf("instance %s was not removed from the database", instanceID)
		}
	}

	return nil
}
