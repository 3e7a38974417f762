// Copyright (c) 2022 Whist Technologies, Inc.

package scaling_algorithms

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/whisthq/whist/backend/control-plane/scaling-service/dbdriver"
	"github.com/whisthq/whist/backend/control-plane/utils"
	logger "github.com/whisthq/whist/backend/control-plane/whistlogger"
)

// MonitorInstances is a scaling action that watches over the instances on the
// region and recycles the ones that have stopped making progress. It runs on
// every monitor scheduled event and performs the following checks:
// - Active instances that have stopped sending heartbeats are marked as
// unresponsive and terminated, their users can't be saved at that point.
// - Instances that never registered with the scaling service after launch
// are marked as draining.
// - Instances running an image that is no longer active are told to drain,
// so a deploy gradually retires the previous image's hosts.
// - Mandelbox rows that were allocated but never connected to are removed.
func (s *DefaultScalingAlgorithm) MonitorInstances(scalingCtx context.Context, event ScalingEvent) error {
	// Compensate for any capacity lost on this pass.
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

	if err := s.handleUnresponsiveInstances(scalingCtx, event, contextFields); err != nil {
		return err
	}

	if err := s.handleExpiredInstances(scalingCtx, event, contextFields); err != nil {
		return err
	}

	if err := s.handleRetiredImages(scalingCtx, event, contextFields); err != nil {
		return err
	}

	removed, err := s.DBClient.RemoveStaleMandelboxes(scalingCtx, staleAllocatedAge, staleConnectingAge)
	if err != nil {
		return utils.MakeError("failed to remove stale mandelboxes: %s", err)
	}
	if removed > 0 {
		logger.Infow(utils.Sprintf("Removed %d stale mandelboxes from database.", removed), contextFields)
	}

	return nil
}

// handleUnresponsiveInstances finds active instances whose last heartbeat is
// too old, marks them as unresponsive and terminates them.
func (s *DefaultScalingAlgorithm) handleUnresponsiveInstances(scalingCtx context.Context, event ScalingEvent, contextFields []interface{}) error {
	unresponsive, err := s.DBClient.QueryUnresponsiveInstances(scalingCtx, time.Now().Add(-unresponsiveThreshold))
	if err != nil {
		return utils.MakeError("failed to query unresponsive instances on %s: %s", event.Region, err)
	}

	var unresponsiveIDs []string
	for _, instance := range unresponsive {
		if instance.Region != event.Region {
			continue
		}

		logger.Warningf("instance %s has not sent a heartbeat since %s, marking as unresponsive", instance.ID, instance.LastHeartbeat)
		_, err := s.DBClient.UpdateInstanceStatus(scalingCtx, instance.ID, dbdriver.InstanceStatusUnresponsive)
		if err != nil {
			return utils.MakeError("failed to mark instance %s as unresponsive: %s", instance.ID, err)
		}
		unresponsiveIDs = append(unresponsiveIDs, instance.ID)
	}

	if len(unresponsiveIDs) == 0 {
		return nil
	}

	logger.Infow(utils.Sprintf("Terminating %d unresponsive instances.", len(unresponsiveIDs)), contextFields)

	err = s.Host.SpinDownInstances(scalingCtx, unresponsiveIDs)
	if err != nil {
		return utils.MakeError("failed to terminate unresponsive instances %v: %s", unresponsiveIDs, err)
	}

	return s.VerifyInstanceRemoval(scalingCtx, event, unresponsiveIDs)
}

// handleExpiredInstances drains instances that were launched but never
// registered themselves with the scaling service.
func (s *DefaultScalingAlgorithm) handleExpiredInstances(scalingCtx context.Context, event ScalingEvent, contextFields []interface{}) error {
	starting, err := s.DBClient.QueryInstancesByStatusOnRegion(scalingCtx, dbdriver.InstanceStatusPreConnection, event.Region)
	if err != nil {
		return utils.MakeError("failed to query starting instances on %s: %s", event.Region, err)
	}

	for _, instance := range starting {
		if time.Since(instance.CreatedAt) < preConnectionExpiry {
			continue
		}

		logger.Infow(utils.Sprintf("Instance %s was launched %s ago and never registered, marking as draining.", instance.ID, time.Since(instance.CreatedAt)), contextFields)
		_, err := s.DBClient.UpdateInstanceStatus(scalingCtx, instance.ID, dbdriver.InstanceStatusDraining)
		if err != nil {
			return utils.MakeError("failed to mark instance %s as draining: %s", instance.ID, err)
		}
	}

	return nil
}

// handleRetiredImages drains active instances whose image is not the active
// image of the region. Instances on a protected image are left alone, they
// belong to a deploy that has not flipped yet.
func (s *DefaultScalingAlgorithm) handleRetiredImages(scalingCtx context.Context, event ScalingEvent, contextFields []interface{}) error {
	images, err := s.DBClient.QueryImagesByRegion(scalingCtx, event.Region)
	if err != nil {
		return utils.MakeError("failed to query images on %s: %s", event.Region, err)
	}

	activeImages := map[string]bool{}
	protectedImages := map[string]bool{}
	for _, image := range images {
		if image.Active {
			activeImages[image.ImageID] = true
		}
		if image.Protected {
			protectedImages[image.ImageID] = true
		}
	}

	active, err := s.DBClient.QueryInstancesByStatusOnRegion(scalingCtx, dbdriver.InstanceStatusActive, event.Region)
	if err != nil {
		return utils.MakeError("failed to query active instances on %s: %s", event.Region, err)
	}

	var unreachableIDs []string
	for _, instance := range active {
		if activeImages[instance.ImageID] || protectedImages[instance.ImageID] {
			continue
		}

		logger.Infow(utils.Sprintf("Instance %s is running retired image %s, marking as draining.", instance.ID, instance.ImageID), contextFields)

		_, err := s.DBClient.UpdateInstanceStatus(scalingCtx, instance.ID, dbdriver.InstanceStatusDraining)
		if err != nil {
			return utils.MakeError("failed to mark instance %s as draining: %s", instance.ID, err)
		}

		// The host agent keeps serving its current mandelboxes and shuts the
		// host down once they exit. An unreachable host agent is treated
		// like a missed heartbeat.
		err = s.HostAgent.DrainAndShutdown(scalingCtx, instance.IPAddress)
		if err != nil {
			logger.Warningf("failed to reach host agent on instance %s to start draining: %s", instance.ID, err)
			_, err = s.DBClient.UpdateInstanceStatus(scalingCtx, instance.ID, dbdriver.InstanceStatusUnresponsive)
			if err != nil {
				return utils.MakeError("failed to mark instance %s as unresponsive: %s", instance.ID, err)
			}
			unreachableIDs = append(unreachableIDs, instance.ID)
		}
	}

	if len(unreachableIDs) == 0 {
		return nil
	}

	logger.Infow(utils.Sprintf("Terminating %d unresponsive instances.", len(unreachableIDs)), contextFields)

	err = s.Host.SpinDownInstances(scalingCtx, unreachableIDs)
	if err != nil {
		return utils.MakeError("failed to terminate unresponsive instances %v: %s", unreachableIDs, err)
	}

	return s.VerifyInstanceRemoval(scalingCtx, event, unreachableIDs)
}
