// This file defines mock types and methods to test the
// different actions on the scaling algorithm.

package scaling_algorithms

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/whisthq/whist/backend/control-plane/metadata"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/config"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/dbdriver"
	"github.com/whisthq/whist/backend/control-plane/types"
	"github.com/whisthq/whist/backend/control-plane/utils"
)

var (
	testInstances   []dbdriver.Instance
	testImages      []dbdriver.Image
	testMandelboxes []dbdriver.Mandelbox
	testLock        *sync.Mutex
	testDBClient    *mockDBClient
	testHost        *mockHostHandler
	testHostAgent   *mockHostAgent
	testAlgorithm   *DefaultScalingAlgorithm
)

// mockDBClient is used to test all database interactions
type mockDBClient struct {
	// regionImageLocks records every region/image pair the row lock was
	// taken on.
	regionImageLocks []string
}

// countTestMandelboxes returns how many non-dying mandelboxes the given
// instance is running. Callers must hold testLock.
func countTestMandelboxes(instanceID string) int64 {
	var running int64
	for _, mandelbox := range testMandelboxes {
		if mandelbox.InstanceID == instanceID &&
			mandelbox.Status != dbdriver.MandelboxStatusDying {
			running++
		}
	}
	return running
}

func (db *mockDBClient) QueryInstance(ctx context.Context, instanceID string) (dbdriver.Instance, error) {
	testLock.Lock()
	defer testLock.Unlock()

	for _, instance := range testInstances {
		if instance.ID == instanceID {
			return instance, nil
		}
	}
	return dbdriver.Instance{}, dbdriver.ErrNotFound
}

func (db *mockDBClient) QueryInstancesWithCapacity(ctx context.Context, region string) ([]dbdriver.InstanceWithRoom, error) {
	testLock.Lock()
	defer testLock.Unlock()

	var rows []dbdriver.InstanceWithRoom
	for _, instance := range testInstances {
		if instance.Region != region ||
			instance.Status != dbdriver.InstanceStatusActive {
			continue
		}

		running := countTestMandelboxes(instance.ID)
		if running < instance.Capacity {
			rows = append(rows, dbdriver.InstanceWithRoom{
				ID:                 instance.ID,
				Region:             instance.Region,
				ImageID:            instance.ImageID,
				ClientSHA:          instance.ClientSHA,
				IPAddress:          instance.IPAddress,
				Capacity:           instance.Capacity,
				RunningMandelboxes: running,
			})
		}
	}

	// Fullest first, ties broken by name.
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].RunningMandelboxes != rows[j].RunningMandelboxes {
			return rows[i].RunningMandelboxes > rows[j].RunningMandelboxes
		}
		return rows[i].ID < rows[j].ID
	})

	return rows, nil
}

func (db *mockDBClient) QueryInstancesByStatusOnRegion(ctx context.Context, status dbdriver.InstanceStatus, region string) ([]dbdriver.Instance, error) {
	testLock.Lock()
	defer testLock.Unlock()

	var result []dbdriver.Instance
	for _, instance := range testInstances {
		if instance.Status == status && instance.Region == region {
			result = append(result, instance)
		}
	}
	return result, nil
}

func (db *mockDBClient) QueryInstancesByImage(ctx context.Context, imageID string) ([]dbdriver.Instance, error) {
	testLock.Lock()
	defer testLock.Unlock()

	var result []dbdriver.Instance
	for _, instance := range testInstances {
		if instance.ImageID == imageID {
			result = append(result, instance)
		}
	}
	return result, nil
}

func (db *mockDBClient) QueryUnresponsiveInstances(ctx context.Context, olderThan time.Time) ([]dbdriver.Instance, error) {
	testLock.Lock()
	defer testLock.Unlock()

	var result []dbdriver.Instance
	for _, instance := range testInstances {
		if instance.Status == dbdriver.InstanceStatusActive &&
			instance.LastHeartbeat.Before(olderThan) {
			result = append(result, instance)
		}
	}
	return result, nil
}

func (db *mockDBClient) LockInstance(ctx context.Context, instanceID string) (dbdriver.Instance, error) {
	return db.QueryInstance(ctx, instanceID)
}

func (db *mockDBClient) InsertInstances(ctx context.Context, insertParams []dbdriver.Instance) (int, error) {
	testLock.Lock()
	defer testLock.Unlock()

	testInstances = append(testInstances, insertParams...)
	return len(insertParams), nil
}

func (db *mockDBClient) UpdateInstance(ctx context.Context, updateParams dbdriver.Instance) (int, error) {
	testLock.Lock()
	defer testLock.Unlock()

	var updated int
	for index, instance := range testInstances {
		if instance.ID == updateParams.ID {
			testInstances[index] = updateParams
			updated++
		}
	}
	return updated, nil
}

func (db *mockDBClient) UpdateInstanceStatus(ctx context.Context, instanceID string, status dbdriver.InstanceStatus) (int, error) {
	testLock.Lock()
	defer testLock.Unlock()

	var updated int
	for index, instance := range testInstances {
		if instance.ID == instanceID {
			testInstances[index].Status = status
			updated++
		}
	}
	return updated, nil
}

func (db *mockDBClient) RegisterInstance(ctx context.Context, instanceID string, ip string, capacity int64, authToken string) (int, error) {
	testLock.Lock()
	defer testLock.Unlock()

	var updated int
	for index, instance := range testInstances {
		if instance.ID == instanceID &&
			instance.Status == dbdriver.InstanceStatusPreConnection {
			testInstances[index].Status = dbdriver.InstanceStatusActive
			testInstances[index].IPAddress = ip
			testInstances[index].Capacity = capacity
			testInstances[index].AuthToken = authToken
			testInstances[index].LastHeartbeat = time.Now()
			updated++
		}
	}
	return updated, nil
}

func (db *mockDBClient) UpdateInstanceHeartbeat(ctx context.Context, instanceID string, authToken string) (dbdriver.InstanceStatus, error) {
	testLock.Lock()
	defer testLock.Unlock()

	for index, instance := range testInstances {
		if instance.ID == instanceID && instance.AuthToken == authToken {
			testInstances[index].LastHeartbeat = time.Now()
			return instance.Status, nil
		}
	}
	return "", dbdriver.ErrNotFound
}

func (db *mockDBClient) DeleteInstance(ctx context.Context, instanceID string) (int, error) {
	testLock.Lock()
	defer testLock.Unlock()

	var remaining []dbdriver.Instance
	var deleted int
	for _, instance := range testInstances {
		if instance.ID == instanceID {
			deleted++
			continue
		}
		remaining = append(remaining, instance)
	}
	testInstances = remaining
	return deleted, nil
}

func (db *mockDBClient) QueryMandelbox(ctx context.Context, instanceID string, status dbdriver.MandelboxStatus) ([]dbdriver.Mandelbox, error) {
	testLock.Lock()
	defer testLock.Unlock()

	var mandelboxes []dbdriver.Mandelbox
	for _, mandelbox := range testMandelboxes {
		if mandelbox.InstanceID == instanceID && mandelbox.Status == status {
			mandelboxes = append(mandelboxes, mandelbox)
		}
	}
	return mandelboxes, nil
}

func (db *mockDBClient) QueryUserMandelboxes(ctx context.Context, userID types.UserID) ([]dbdriver.Mandelbox, error) {
	testLock.Lock()
	defer testLock.Unlock()

	var userMandelboxes []dbdriver.Mandelbox
	for _, mandelbox := range testMandelboxes {
		if mandelbox.UserID == userID &&
			mandelbox.Status != dbdriver.MandelboxStatusDying {
			userMandelboxes = append(userMandelboxes, mandelbox)
		}
	}
	return userMandelboxes, nil
}

func (db *mockDBClient) InsertMandelboxes(ctx context.Context, insertParams []dbdriver.Mandelbox) (int, error) {
	testLock.Lock()
	defer testLock.Unlock()

	testMandelboxes = append(testMandelboxes, insertParams...)
	return len(insertParams), nil
}

func (db *mockDBClient) UpdateMandelbox(ctx context.Context, updateParams dbdriver.Mandelbox) (int, error) {
	testLock.Lock()
	defer testLock.Unlock()

	var updated int
	for index, mandelbox := range testMandelboxes {
		if mandelbox.ID == updateParams.ID {
			testMandelboxes[index] = updateParams
			updated++
		}
	}
	return updated, nil
}

func (db *mockDBClient) RemoveStaleMandelboxes(ctx context.Context, allocatedAge time.Duration, connectingAge time.Duration) (int, error) {
	testLock.Lock()
	defer testLock.Unlock()

	var remaining []dbdriver.Mandelbox
	var removed int
	for _, mandelbox := range testMandelboxes {
		stale := (mandelbox.Status == dbdriver.MandelboxStatusAllocated && mandelbox.CreatedAt.Before(time.Now().Add(-1*allocatedAge))) ||
			(mandelbox.Status == dbdriver.MandelboxStatusConnecting && mandelbox.CreatedAt.Before(time.Now().Add(-1*connectingAge)))
		if stale {
			removed++
			continue
		}
		remaining = append(remaining, mandelbox)
	}
	testMandelboxes = remaining
	return removed, nil
}

func (db *mockDBClient) QueryImage(ctx context.Context, region string, clientSHA string) (dbdriver.Image, error) {
	testLock.Lock()
	defer testLock.Unlock()

	for _, image := range testImages {
		if image.Region == region && image.ClientSHA == clientSHA {
			return image, nil
		}
	}
	return dbdriver.Image{}, dbdriver.ErrNotFound
}

func (db *mockDBClient) QueryLatestImage(ctx context.Context, provider string, region string) (dbdriver.Image, error) {
	testLock.Lock()
	defer testLock.Unlock()

	for _, image := range testImages {
		if image.Provider == provider && image.Region == region && image.Active {
			return image, nil
		}
	}
	return dbdriver.Image{}, dbdriver.ErrNotFound
}

func (db *mockDBClient) QueryImagesByRegion(ctx context.Context, region string) ([]dbdriver.Image, error) {
	testLock.Lock()
	defer testLock.Unlock()

	var images []dbdriver.Image
	for _, image := range testImages {
		if image.Region == region {
			images = append(images, image)
		}
	}
	return images, nil
}

func (db *mockDBClient) InsertImages(ctx context.Context, insertParams []dbdriver.Image) (int, error) {
	testLock.Lock()
	defer testLock.Unlock()

	testImages = append(testImages, insertParams...)
	return len(insertParams), nil
}

func (db *mockDBClient) UpdateImage(ctx context.Context, updateParams dbdriver.Image) (int, error) {
	testLock.Lock()
	defer testLock.Unlock()

	var updated int
	for index, image := range testImages {
		if image.Region == updateParams.Region && image.ClientSHA == updateParams.ClientSHA {
			testImages[index] = updateParams
			updated++
		}
	}
	return updated, nil
}

func (db *mockDBClient) DeleteImage(ctx context.Context, region string, clientSHA string) (int, error) {
	testLock.Lock()
	defer testLock.Unlock()

	var remaining []dbdriver.Image
	var deleted int
	for _, image := range testImages {
		if image.Region == region && image.ClientSHA == clientSHA {
			deleted++
			continue
		}
		remaining = append(remaining, image)
	}
	testImages = remaining
	return deleted, nil
}

func (db *mockDBClient) AcquireRegionImageLock(ctx context.Context, region string, imageID string) error {
	return nil
}

func (db *mockDBClient) WithTransaction(ctx context.Context, fn func(dbdriver.Querier) error) error {
	return fn(db)
}

func (db *mockDBClient) WithRegionImageLock(ctx context.Context, region string, imageID string, fn func(dbdriver.Querier) error) error {
	testLock.Lock()
	db.regionImageLocks = append(db.regionImageLocks, utils.Sprintf("%s/%s", region, imageID))
	testLock.Unlock()

	return fn(db)
}

func (db *mockDBClient) Close() {}

// mockHostHandler is used to test all interactions with the cloud provider.
type mockHostHandler struct {
	region string
	// spinUpStatus is the status launched instances are returned with. Tests
	// that need an instantly registered instance set it to ACTIVE.
	spinUpStatus dbdriver.InstanceStatus
	// spinUpErr makes every launch fail, to exercise retry behavior.
	spinUpErr error
	// spinUpFailures makes the next N launches fail before succeeding.
	spinUpFailures int
	// spinUpTokens collects the dedup token of every launch request.
	spinUpTokens []string
	// launched counts how many instances were requested from the provider.
	launched int
	// terminated collects the instance IDs passed to SpinDownInstances.
	terminated []string
}

func (h *mockHostHandler) Initialize(region string) error {
	h.region = region
	return nil
}

func (h *mockHostHandler) GetRegion() string {
	return h.region
}

func (h *mockHostHandler) SpinUpInstances(scalingCtx context.Context, numInstances int32, maxWaitTime time.Duration, image dbdriver.Image, dedupToken string) ([]dbdriver.Instance, error) {
	testLock.Lock()
	defer testLock.Unlock()

	h.spinUpTokens = append(h.spinUpTokens, dedupToken)

	if h.spinUpErr != nil {
		return nil, h.spinUpErr
	}

	if h.spinUpFailures > 0 {
		h.spinUpFailures--
		return nil, errors.New("provider rejected the launch request")
	}

	status := h.spinUpStatus
	if status == "" {
		status = dbdriver.InstanceStatusPreConnection
	}

	var instances []dbdriver.Instance
	for i := int32(0); i < numInstances; i++ {
		h.launched++
		instances = append(instances, dbdriver.Instance{
			ID:            utils.Sprintf("test-scale-up-instance-%d", h.launched),
			Provider:      "AWS",
			Region:        image.Region,
			ImageID:       image.ImageID,
			ClientSHA:     image.ClientSHA,
			IPAddress:     "1.1.1.1/24",
			Type:          "g4dn.2xlarge",
			Status:        status,
			LastHeartbeat: time.Now(),
			CreatedAt:     time.Now(),
		})
	}
	return instances, nil
}

func (h *mockHostHandler) SpinDownInstances(scalingCtx context.Context, instanceIDs []string) error {
	testLock.Lock()
	defer testLock.Unlock()

	h.terminated = append(h.terminated, instanceIDs...)
	return nil
}

func (h *mockHostHandler) WaitForInstanceTermination(scalingCtx context.Context, maxWaitTime time.Duration, instanceIDs []string) error {
	return nil
}

func (h *mockHostHandler) WaitForInstanceReady(scalingCtx context.Context, maxWaitTime time.Duration, instanceIDs []string) error {
	return nil
}

// mockHostAgent is used to test all interactions with the agent running on
// each instance.
type mockHostAgent struct {
	// drained collects the IPs that were asked to drain and shut down.
	drained []string
	// drainErr makes every drain request fail, simulating an unreachable host.
	drainErr error
}

func (a *mockHostAgent) DrainAndShutdown(ctx context.Context, ip string) error {
	testLock.Lock()
	defer testLock.Unlock()

	if a.drainErr != nil {
		return a.drainErr
	}

	a.drained = append(a.drained, ip)
	return nil
}

func setup() {
	testDBClient = &mockDBClient{}
	testHost = &mockHostHandler{}
	testHostAgent = &mockHostAgent{}
	testLock = &sync.Mutex{}

	testAlgorithm = &DefaultScalingAlgorithm{
		Host:      testHost,
		HostAgent: testHostAgent,
		DBClient:  testDBClient,
		Region:    "test-region",
		Clock:     clockwork.NewRealClock(),
	}
	testAlgorithm.CreateEventChans()
	testAlgorithm.CreateBuffer()

	os.Setenv("ENABLED_REGIONS", `["test-region","us-east-1"]`)
	metadata.GetAppEnvironment = func() metadata.AppEnvironment {
		return metadata.EnvDev
	}
	config.Initialize(context.TODO())
}

// resetTestState clears the shared test fixtures between tests.
func resetTestState() {
	testLock.Lock()
	defer testLock.Unlock()

	testInstances = nil
	testImages = nil
	testMandelboxes = nil
	testHost.spinUpStatus = ""
	testHost.spinUpErr = nil
	testHost.spinUpFailures = 0
	testHost.spinUpTokens = nil
	testHost.launched = 0
	testHost.terminated = nil
	testDBClient.regionImageLocks = nil
	testHostAgent.drained = nil
	testHostAgent.drainErr = nil
	testAlgorithm.Clock = clockwork.NewRealClock()
}

func TestMain(m *testing.M) {
	setup()
	code := m.Run()
	os.Exit(code)
}
