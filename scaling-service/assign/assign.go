/*
Package assign implements the logic to assign a mandelbox on an instance with
capacity to a user. The entire placement runs inside a database transaction so
that selecting an instance and reserving a slot on it are atomic: the chosen
instance row is locked, its remaining capacity re-checked under the lock, and
the mandelbox row inserted before the transaction commits.
*/
package assign

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisthq/whist/backend/control-plane/httputils"
	"github.com/whisthq/whist/backend/control-plane/metadata"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/config"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/dbdriver"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/scaling_algorithms/helpers"
	"github.com/whisthq/whist/backend/control-plane/types"
	"github.com/whisthq/whist/backend/control-plane/utils"
	logger "github.com/whisthq/whist/backend/control-plane/whistlogger"
)

// maxAttempts is how many times the placement transaction is retried when it
// loses a row lock race or times out waiting for one, before giving up and
// reporting that no instance is available.
const maxAttempts = 3

// errPlacementFailed aborts the placement transaction with a client-facing
// error code instead of an internal error. The code is carried alongside it
// by the placement loop.
var errPlacementFailed = errors.New("placement failed")

// CheckForExistingMandelbox queries the database for mandelboxes belonging to
// the user and reports whether a new one may be allocated without exceeding
// the per-user limit.
func CheckForExistingMandelbox(ctx context.Context, q dbdriver.Querier, userID types.UserID) (bool, error) {
	mandelboxResult, err := q.QueryUserMandelboxes(ctx, userID)
	if err != nil {
		return false, err
	}

	logger.Infof("User %s has %d mandelboxes active", userID, len(mandelboxResult))

	var activeOrConnectingMandelboxes int32
	for _, mandelbox := range mandelboxResult {
		// We consider all mandelboxes that are (or will be) running.
		if mandelbox.Status != dbdriver.MandelboxStatusDying {
			activeOrConnectingMandelboxes++
		}
	}

	return activeOrConnectingMandelboxes < config.GetMandelboxLimitPerUser(), nil
}

// regionWalk returns the ordered list of enabled regions to try for the
// request, and the requested regions that are not enabled. The requested
// regions come first, in the order the frontend sent them (which is sorted by
// proximity), followed by the fallback regions bundled with each of them.
func regionWalk(requestedRegions []string) (walk []string, unavailableRegions []string) {
	for _, requestedRegion := range requestedRegions {
		if !utils.StringSliceContains(config.GetEnabledRegions(), requestedRegion) {
			unavailableRegions = append(unavailableRegions, requestedRegion)
			continue
		}

		if !utils.StringSliceContains(walk, requestedRegion) {
			walk = append(walk, requestedRegion)
		}
	}

	// Fallback regions go after every requested region so a user is only
	// placed far away when every region they asked for is full.
	for _, requestedRegion := range requestedRegions {
		for _, bundledRegion := range config.GetBundledRegions(requestedRegion) {
			if !utils.StringSliceContains(walk, bundledRegion) {
				walk = append(walk, bundledRegion)
			}
		}
	}

	return walk, unavailableRegions
}

// placement holds the outcome of a successful placement transaction.
type placement struct {
	instanceID  string
	ip          string
	region      string
	mandelboxID types.MandelboxID
}

// MandelboxAssign finds an instance with capacity for the user and reserves a
// mandelbox slot on it. It always sends a result on the request's result
// channel, either the assigned instance's IP and the new mandelbox's ID, or
// one of the error codes defined in this package. On success it returns the
// region the user was placed on, which may be a fallback region instead of
// one of the requested ones.
func MandelboxAssign(scalingCtx context.Context, db dbdriver.WhistDBClient, mandelboxRequest *httputils.MandelboxAssignRequest) (string, error) {
	contextFields := []interface{}{
		zap.String("regions", utils.PrintSlice(mandelboxRequest.Regions, len(mandelboxRequest.Regions))),
	}
	logger.Infow("Starting mandelbox assign action.", contextFields)
	defer logger.Infow("Finished mandelbox assign action.", contextFields)

	// This is necessary so that the request is always closed
	// when encountering an error in the assign action.
	var serviceUnavailable bool = true
	defer func() {
		if serviceUnavailable {
			mandelboxRequest.ReturnResult(httputils.MandelboxAssignRequestResult{
				Error: SERVICE_UNAVAILABLE,
			}, nil)
		}
	}()

	// Note: we receive the email from the client, so its value should
	// not be trusted for anything else other than logging since
	// it can be spoofed. We sanitize the email before using to help mitigate
	// potential attacks.
	unsafeEmail, err := helpers.SanitizeEmail(mandelboxRequest.UserEmail)
	if err != nil {
		return "", err
	}
	logger.Infof("Frontend reported email %s, this value might not be accurate and is untrusted.", unsafeEmail)

	// Append user email to logging context for better debugging.
	contextFields = append(contextFields, zap.String("user", unsafeEmail))

	// The number of elements to truncate a slice of regions to. Used when logging unavailable region errors.
	const truncateTo = 3

	walk, unavailableRegions := regionWalk(mandelboxRequest.Regions)

	// This means that the user has requested access to some regions that are not yet enabled,
	// but could still be allocated to a region that is relatively close.
	if len(unavailableRegions) != 0 && len(walk) != 0 {
		logger.Warningf("User %s requested access to the following unavailable regions: %s", unsafeEmail, utils.PrintSlice(unavailableRegions, truncateTo))
	}

	// The user requested access to only unavailable regions. This means the user is far from
	// any of the available regions, and the frontend should handle that accordingly.
	if len(walk) == 0 {
		serviceUnavailable = false
		err := utils.MakeError("user %s requested access to only unavailable regions: %s", unsafeEmail, utils.PrintSlice(unavailableRegions, truncateTo))
		mandelboxRequest.ReturnResult(httputils.MandelboxAssignRequestResult{
			Error: REGION_NOT_ENABLED,
		}, err)
		return "", err
	}

	// This condition is to accomodate the workflow for developers of the Whist frontend
	// to test their changes without needing to update the development database with
	// commit_hashes on their local machines.
	if metadata.IsLocalEnv() || mandelboxRequest.CommitHash == CLIENT_COMMIT_HASH_DEV_OVERRIDE {
		// TODO: set different cloud provider when doing multi-cloud
		latestImage, err := db.QueryLatestImage(scalingCtx, "AWS", walk[0])
		if err != nil && !errors.Is(err, dbdriver.ErrNotFound) {
			return "", utils.MakeError("failed to query latest image in %s: %s", walk[0], err)
		}
		mandelboxRequest.CommitHash = latestImage.ClientSHA
	}

	var (
		assigned placement
		failure  string
	)

	// This is the "main" loop that does all the work and tries to find an instance for a user.
	// Each attempt runs a single transaction that walks the candidate regions in order, queries
	// the instances with capacity on each, locks the chosen instance row, re-checks its room
	// under the lock and inserts the mandelbox. An attempt that loses a race for the row lock
	// is retried from scratch, up to maxAttempts times.
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = db.WithTransaction(scalingCtx, func(q dbdriver.Querier) error {
			// Before proceeding with the assign process, find out if the user already has other
			// mandelboxes allocated.
			shouldAllocateMandelbox, err := CheckForExistingMandelbox(scalingCtx, q, mandelboxRequest.UserID)
			if err != nil {
				return utils.MakeError("failed to get mandelboxes from database: %s", err)
			}
			if !shouldAllocateMandelbox {
				failure = USER_ALREADY_ACTIVE
				return errPlacementFailed
			}

			var regionWithValidImage bool
			for _, region := range walk {
				assignContext := append(contextFields, zap.String("assign_region", region))

				image, err := q.QueryImage(scalingCtx, region, mandelboxRequest.CommitHash)
				if errors.Is(err, dbdriver.ErrNotFound) {
					continue
				}
				if err != nil {
					return utils.MakeError("failed to query image in %s: %s", region, err)
				}

				// An inactive image either belongs to an upgrade that has not
				// committed yet or to a generation that was already retired.
				// Neither should receive new mandelboxes.
				if !image.Active {
					continue
				}
				regionWithValidImage = true

				logger.Infow(utils.Sprintf("Trying to find instance in region %s, with commit hash %s and image %s",
					region, mandelboxRequest.CommitHash, image.ImageID), assignContext)

				// The query returns instances sorted fullest first, so mandelboxes pack onto
				// busy instances and idle ones can scale down.
				instanceResult, err := q.QueryInstancesWithCapacity(scalingCtx, region)
				if err != nil {
					return utils.MakeError("failed to query for instances with capacity in %s: %s", region, err)
				}

				for _, candidate := range instanceResult {
					if candidate.ClientSHA != mandelboxRequest.CommitHash ||
						candidate.ImageID != image.ImageID {
						continue
					}

					// Lock the instance row so no concurrent assign can reserve
					// the same slot.
					lockedInstance, err := q.LockInstance(scalingCtx, candidate.ID)
					if errors.Is(err, dbdriver.ErrNotFound) {
						continue
					}
					if err != nil {
						return utils.MakeError("failed to lock instance %s: %s", candidate.ID, err)
					}

					if lockedInstance.Status != dbdriver.InstanceStatusActive {
						continue
					}

					// Re-check the instance's room now that the row is locked. A concurrent
					// assign may have taken the last slot between our read and our lock.
					room, err := q.QueryInstancesWithCapacity(scalingCtx, region)
					if err != nil {
						return utils.MakeError("failed to re-check capacity of instance %s: %s", lockedInstance.ID, err)
					}

					var hasRoom bool
					for _, row := range room {
						if row.ID == lockedInstance.ID && row.RemainingCapacity() > 0 {
							hasRoom = true
							break
						}
					}
					if !hasRoom {
						continue
					}

					mandelboxID := types.MandelboxID(uuid.New())
					_, err = q.InsertMandelboxes(scalingCtx, []dbdriver.Mandelbox{
						{
							ID:         mandelboxID,
							App:        "CHROME",
							InstanceID: lockedInstance.ID,
							UserID:     mandelboxRequest.UserID,
							SessionID:  utils.Sprintf("%v", mandelboxRequest.SessionID),
							Status:     dbdriver.MandelboxStatusAllocated,
							CreatedAt:  time.Now(),
						},
					})
					if err != nil {
						return utils.MakeError("failed to insert mandelbox on instance %s: %s", lockedInstance.ID, err)
					}

					logger.Infow(utils.Sprintf("Found instance %s with commit hash %s", lockedInstance.ID, lockedInstance.ClientSHA), assignContext)

					assigned = placement{
						instanceID:  lockedInstance.ID,
						ip:          lockedInstance.IPAddress,
						region:      region,
						mandelboxID: mandelboxID,
					}
					return nil
				}

				logger.Infow(utils.Sprintf("No instances found in %s with commit hash %s", region, mandelboxRequest.CommitHash), assignContext)
			}

			if regionWithValidImage {
				failure = NO_INSTANCE_AVAILABLE
			} else {
				failure = COMMIT_HASH_MISMATCH
			}
			return errPlacementFailed
		})

		if err == nil {
			break
		}

		// A lock timeout or conflict means we lost a race with a concurrent
		// assign or scaling action, so the whole selection is retried.
		if errors.Is(err, dbdriver.ErrLockTimeout) || errors.Is(err, dbdriver.ErrConflict) {
			logger.Warningw(utils.Sprintf("Placement attempt %d lost a database race, retrying: %s", attempt+1, err), contextFields)
			failure = NO_INSTANCE_AVAILABLE
			continue
		}

		break
	}

	if err != nil {
		if failure == "" {
			return "", err
		}

		serviceUnavailable = false

		var msg error
		switch failure {
		case USER_ALREADY_ACTIVE:
			msg = utils.MakeError("user %s already has mandelboxes allocated or running, so not assigning more mandelboxes", unsafeEmail)
		case COMMIT_HASH_MISMATCH:
			// Only log the commit mismatch error when running on prod, since dev and
			// staging frontends routinely run ahead of the deployed images.
			if metadata.GetAppEnvironment() == metadata.EnvProd {
				msg = utils.MakeError("no active image matches commit hash %s in the requested regions", mandelboxRequest.CommitHash)
			}
		case NO_INSTANCE_AVAILABLE:
			msg = utils.MakeError("did not find an instance with capacity for user %s and commit hash %s", unsafeEmail, mandelboxRequest.CommitHash)
		}

		mandelboxRequest.ReturnResult(httputils.MandelboxAssignRequestResult{
			Error: failure,
		}, msg)
		return "", msg
	}

	// Parse IP address. The database can use the CIDR notation (192.0.2.0/24)
	// so we need to extract the address and send it to the frontend.
	assignedIP := assigned.ip
	if ip, _, err := net.ParseCIDR(assignedIP); err == nil {
		assignedIP = ip.String()
	}

	logger.Infow(utils.Sprintf("Successfully assigned mandelbox %s on instance %s", assigned.mandelboxID, assigned.instanceID), contextFields)

	serviceUnavailable = false
	mandelboxRequest.ReturnResult(httputils.MandelboxAssignRequestResult{
		IP:          assignedIP,
		MandelboxID: assigned.mandelboxID,
	}, nil)

	return assigned.region, nil
}
