// Copyright (c) 2022 Whist Technologies, Inc.

package scaling_algorithms

import (
	"context"

	"github.com/whisthq/whist/backend/control-plane/httputils"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/assign"
	"github.com/whisthq/whist/backend/control-plane/utils"
	logger "github.com/whisthq/whist/backend/control-plane/whistlogger"
)

// MandelboxAssign is the action executed when a user requests a mandelbox.
// The placement logic itself lives on the assign package, here we unwrap the
// request from the event and make sure the region still has a warm buffer
// once the user has taken a slot.
func (s *DefaultScalingAlgorithm) MandelboxAssign(scalingCtx context.Context, event ScalingEvent) error {
	mandelboxRequest, ok := event.Data.(*httputils.MandelboxAssignRequest)
	if !ok {
		return utils.MakeError("expected a mandelbox assign request, got %v", event.Data)
	}

	assignedRegion, err := assign.MandelboxAssign(scalingCtx, s.DBClient, mandelboxRequest)

	// The user may have taken the last free slot on the region that served
	// them, which is not necessarily one they requested. Verify capacity
	// there once the request is resolved.
	capacityEvent := event
	if assignedRegion != "" {
		capacityEvent.Region = assignedRegion
	}
	if verifyErr := s.VerifyCapacity(scalingCtx, capacityEvent); verifyErr != nil {
		logger.Errorf("error verifying capacity on %s: %s", capacityEvent.Region, verifyErr)
	}

	return err
}
