// Copyright (c) 2022 Whist Technologies, Inc.

package scaling_algorithms

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/whisthq/whist/backend/control-plane/scaling-service/dbdriver"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/scaling_algorithms/helpers"
	"github.com/whisthq/whist/backend/control-plane/utils"
	logger "github.com/whisthq/whist/backend/control-plane/whistlogger"
)

// An ImageUpgradeRequest is the payload of an image upgrade event. It carries
// the commit hash of the frontend the new images were built for, and the new
// image for each region.
type ImageUpgradeRequest struct {
	ClientSHA    string
	RegionImages map[string]string
}

// UpgradeImage is the first phase of a deploy. It registers the new image on
// the database as inactive and protected from scale down, launches a buffer
// of instances with it, and waits until at least one of them has registered
// itself and is ready to run mandelboxes. The image is not made active here,
// assigns keep going to the previous image until every region has a warm
// buffer and the deploy is committed with SwapOverImageBuffers.
func (s *DefaultScalingAlgorithm) UpgradeImage(scalingCtx context.Context, event ScalingEvent, clientSHA string, newImageID string) error {
	contextFields := []interface{}{
		zap.String("id", event.ID),
		zap.Any("type", event.Type),
		zap.String("region", event.Region),
	}

	if newImageID == "" {
		logger.Infow(utils.Sprintf("Received an image upgrade event for %s but no new image was specified.", event.Region), contextFields)
		return nil
	}

	logger.Infow(utils.Sprintf("Registering new image %s on %s for commit %s.", newImageID, event.Region, clientSHA), contextFields)

	newImage := dbdriver.Image{
		Provider:  "AWS",
		Region:    event.Region,
		ImageID:   newImageID,
		ClientSHA: clientSHA,
		Active:    false,
		Protected: true,
		UpdatedAt: time.Now(),
	}

	// Registering the image and launching its buffer happen under the
	// region/image lock, so two deploys of the same image racing each other
	// cannot both launch a buffer.
	err := s.DBClient.WithRegionImageLock(scalingCtx, event.Region, newImageID, func(q dbdriver.Querier) error {
		// A previous deploy of the same commit may have left a row behind, in
		// that case refresh it instead of inserting a duplicate.
		_, err := q.QueryImage(scalingCtx, event.Region, clientSHA)
		switch {
		case errors.Is(err, dbdriver.ErrNotFound):
			_, err := q.InsertImages(scalingCtx, []dbdriver.Image{newImage})
			if err != nil {
				return utils.MakeError("failed to insert image %s on %s: %s", newImageID, event.Region, err)
			}
		case err != nil:
			return utils.MakeError("failed to query image on %s: %s", event.Region, err)
		default:
			_, err := q.UpdateImage(scalingCtx, newImage)
			if err != nil {
				return utils.MakeError("failed to update image %s on %s: %s", newImageID, event.Region, err)
			}
		}

		err = s.ScaleUpIfNecessary(defaultInstanceBuffer, scalingCtx, event, newImage)
		if err != nil {
			return utils.MakeError("failed to launch buffer instances with image %s on %s: %s", newImageID, event.Region, err)
		}
		return nil
	})
	if err != nil {
		return s.abandonImageUpgrade(scalingCtx, newImage, err)
	}

	logger.Infow(utils.Sprintf("Waiting for an instance with image %s to become active on %s.", newImageID, event.Region), contextFields)

	err = helpers.WaitForCondition(scalingCtx, s.Clock, upgradeBufferPollInterval, upgradeBufferDeadline, func(ctx context.Context) (bool, error) {
		instances, err := s.DBClient.QueryInstancesByImage(ctx, newImageID)
		if err != nil {
			return false, utils.MakeError("failed to query instances with image %s: %s", newImageID, err)
		}

		for _, instance := range instances {
			if instance.Status == dbdriver.InstanceStatusActive {
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return s.abandonImageUpgrade(scalingCtx, newImage, utils.MakeError("buffer instance with image %s never became active on %s: %s", newImageID, event.Region, err))
	}

	logger.Infow(utils.Sprintf("Region %s has an active instance with image %s and is ready to swap over.", event.Region, newImageID), contextFields)

	return nil
}

// abandonImageUpgrade removes the scale down protection from an image whose
// buffer failed to come up, so its instances are recycled on the next scale
// down pass. The image row itself is left inactive, the next deploy or an
// operator can reuse or remove it.
func (s *DefaultScalingAlgorithm) abandonImageUpgrade(scalingCtx context.Context, image dbdriver.Image, upgradeErr error) error {
	image.Active = false
	image.Protected = false
	_, err := s.DBClient.UpdateImage(scalingCtx, image)
	if err != nil {
		logger.Errorf("failed to remove scale down protection of image %s on %s: %s", image.ImageID, image.Region, err)
	}

	return upgradeErr
}

// SwapOverImageBuffers is the second phase of a deploy. In a single
// transaction, for every region where the first phase produced a ready
// buffer, it retires the currently active image and makes the new image
// active. After the commit, new assigns for the deployed commit hash are
// served by the buffer instances, and the monitor routine gradually drains
// hosts running the retired images. Regions where the first phase failed are
// skipped, they keep serving the previous image untouched.
func SwapOverImageBuffers(scalingCtx context.Context, db dbdriver.WhistDBClient, clientSHA string, regions []string) error {
	return db.WithTransaction(scalingCtx, func(q dbdriver.Querier) error {
		for _, region := range regions {
			newImage, err := q.QueryImage(scalingCtx, region, clientSHA)
			if errors.Is(err, dbdriver.ErrNotFound) {
				logger.Warningf("region %s has no image for commit %s, skipping swap over", region, clientSHA)
				continue
			}
			if err != nil {
				return utils.MakeError("failed to query image on %s: %s", region, err)
			}

			if newImage.Active {
				logger.Infof("Region %s already has image %s active.", region, newImage.ImageID)
				continue
			}

			oldImage, err := q.QueryLatestImage(scalingCtx, "AWS", region)
			switch {
			case errors.Is(err, dbdriver.ErrNotFound):
				// First deploy on the region, nothing to retire.
			case err != nil:
				return utils.MakeError("failed to query latest image on %s: %s", region, err)
			default:
				oldImage.Active = false
				oldImage.Protected = false
				_, err = q.UpdateImage(scalingCtx, oldImage)
				if err != nil {
					return utils.MakeError("failed to retire image %s on %s: %s", oldImage.ImageID, region, err)
				}
			}

			newImage.Active = true
			newImage.Protected = false
			_, err = q.UpdateImage(scalingCtx, newImage)
			if err != nil {
				return utils.MakeError("failed to activate image %s on %s: %s", newImage.ImageID, region, err)
			}

			logger.Infof("Swapped over region %s to image %s.", region, newImage.ImageID)
		}

		return nil
	})
}
