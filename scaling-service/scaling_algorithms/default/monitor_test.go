// Copyright (c) 2022 Whist Technologies, Inc.

package scaling_algorithms

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/dbdriver"
	"github.com/whisthq/whist/backend/control-plane/types"
)

func TestMonitorUnresponsiveInstances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resetTestState()

	testLock.Lock()
	testImages = []dbdriver.Image{
		{
			Provider:  "AWS",
			Region:    "test-region",
			ImageID:   "test-image-id",
			ClientSHA: "test-sha",
			Active:    true,
		},
	}
	testInstances = []dbdriver.Instance{
		{
			ID:            "test-unresponsive-instance",
			Provider:      "AWS",
			Region:        "test-region",
			ImageID:       "test-image-id",
			IPAddress:     "1.1.1.1",
			Status:        dbdriver.InstanceStatusActive,
			Capacity:      instanceCapacity["g4dn.2xlarge"],
			LastHeartbeat: time.Now().Add(-5 * time.Minute),
		},
	}
	testLock.Unlock()

	// The instance has not sent a heartbeat in 5 minutes, it should be
	// terminated and a fresh one started on its place.
	err := testAlgorithm.MonitorInstances(ctx, ScalingEvent{Region: "test-region"})
	if err != nil {
		t.Errorf("Failed while testing monitor action. Err: %v", err)
	}

	testLock.Lock()
	defer testLock.Unlock()

	if len(testHost.terminated) != 1 || testHost.terminated[0] != "test-unresponsive-instance" {
		t.Errorf("Expected the unresponsive instance to be terminated, got %v", testHost.terminated)
	}

	var replacement bool
	for _, instance := range testInstances {
		if instance.ID == "test-unresponsive-instance" {
			t.Errorf("Expected the unresponsive instance to be removed from the database, got %v", instance)
		}
		if instance.Status == dbdriver.InstanceStatusPreConnection {
			replacement = true
		}
	}
	if !replacement {
		t.Errorf("Expected a replacement instance to be started, got %v", testInstances)
	}
}

func TestMonitorExpiredInstances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resetTestState()

	testLock.Lock()
	testImages = []dbdriver.Image{
		{
			Provider:  "AWS",
			Region:    "test-region",
			ImageID:   "test-image-id",
			ClientSHA: "test-sha",
			Active:    true,
		},
	}
	testInstances = []dbdriver.Instance{
		{
			ID:        "test-expired-instance",
			Provider:  "AWS",
			Region:    "test-region",
			ImageID:   "test-image-id",
			Status:    dbdriver.InstanceStatusPreConnection,
			Capacity:  instanceCapacity["g4dn.2xlarge"],
			CreatedAt: time.Now().Add(-20 * time.Minute),
		},
	}
	testLock.Unlock()

	// The instance was launched 20 minutes ago and never registered itself,
	// it should be marked as draining.
	err := testAlgorithm.MonitorInstances(ctx, ScalingEvent{Region: "test-region"})
	if err != nil {
		t.Errorf("Failed while testing monitor action. Err: %v", err)
	}

	testLock.Lock()
	defer testLock.Unlock()

	var found bool
	for _, instance := range testInstances {
		if instance.ID == "test-expired-instance" &&
			instance.Status == dbdriver.InstanceStatusDraining {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected the expired instance to be draining, got %v", testInstances)
	}
}

func TestMonitorRetiredImages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resetTestState()

	testLock.Lock()
	testImages = []dbdriver.Image{
		{
			Provider:  "AWS",
			Region:    "test-region",
			ImageID:   "test-new-image-id",
			ClientSHA: "test-new-sha",
			Active:    true,
		},
	}
	testInstances = []dbdriver.Instance{
		{
			ID:            "test-retired-instance",
			Provider:      "AWS",
			Region:        "test-region",
			ImageID:       "test-old-image-id",
			IPAddress:     "1.1.1.1",
			Status:        dbdriver.InstanceStatusActive,
			Capacity:      instanceCapacity["g4dn.2xlarge"],
			LastHeartbeat: time.Now(),
		},
	}
	testMandelboxes = []dbdriver.Mandelbox{
		{
			ID:         types.MandelboxID(uuid.New()),
			App:        "CHROME",
			InstanceID: "test-retired-instance",
			UserID:     "test-user-id",
			Status:     dbdriver.MandelboxStatusRunning,
			CreatedAt:  time.Now(),
		},
	}
	testLock.Unlock()

	// The instance runs an image that was retired by a deploy, it should be
	// told to drain while its mandelbox keeps running.
	err := testAlgorithm.MonitorInstances(ctx, ScalingEvent{Region: "test-region"})
	if err != nil {
		t.Errorf("Failed while testing monitor action. Err: %v", err)
	}

	testLock.Lock()
	defer testLock.Unlock()

	var found bool
	for _, instance := range testInstances {
		if instance.ID == "test-retired-instance" &&
			instance.Status == dbdriver.InstanceStatusDraining {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected the retired instance to be draining, got %v", testInstances)
	}

	if len(testHostAgent.drained) != 1 || testHostAgent.drained[0] != "1.1.1.1" {
		t.Errorf("Expected the host agent to be notified, got %v", testHostAgent.drained)
	}

	if len(testMandelboxes) != 1 || testMandelboxes[0].Status != dbdriver.MandelboxStatusRunning {
		t.Errorf("Expected the running mandelbox to be unaffected, got %v", testMandelboxes)
	}
}

func TestMonitorUnreachableHostAgent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resetTestState()

	testLock.Lock()
	testImages = []dbdriver.Image{
		{
			Provider:  "AWS",
			Region:    "test-region",
			ImageID:   "test-new-image-id",
			ClientSHA: "test-new-sha",
			Active:    true,
		},
	}
	testInstances = []dbdriver.Instance{
		{
			ID:            "test-unreachable-instance",
			Provider:      "AWS",
			Region:        "test-region",
			ImageID:       "test-old-image-id",
			IPAddress:     "1.1.1.1",
			Status:        dbdriver.InstanceStatusActive,
			Capacity:      instanceCapacity["g4dn.2xlarge"],
			LastHeartbeat: time.Now(),
		},
	}
	testHostAgent.drainErr = errors.New("connection refused")
	testLock.Unlock()

	err := testAlgorithm.MonitorInstances(ctx, ScalingEvent{Region: "test-region"})
	if err != nil {
		t.Errorf("Failed while testing monitor action. Err: %v", err)
	}

	testLock.Lock()
	defer testLock.Unlock()

	// A host agent that can't be reached is treated like a missed heartbeat,
	// so the instance has to be terminated and removed from the database.
	if len(testHost.terminated) != 1 || testHost.terminated[0] != "test-unreachable-instance" {
		t.Errorf("Expected the unreachable instance to be terminated, got %v", testHost.terminated)
	}

	for _, instance := range testInstances {
		if instance.ID == "test-unreachable-instance" {
			t.Errorf("Expected the unreachable instance to be removed from the database, got %v", instance)
		}
	}

	// The lost capacity has to be replaced on the active image.
	var replaced bool
	for _, instance := range testInstances {
		if strings.HasPrefix(instance.ID, "test-scale-up-instance") &&
			instance.ImageID == "test-new-image-id" {
			replaced = true
		}
	}
	if !replaced {
		t.Errorf("Expected a replacement instance on the active image, got %v", testInstances)
	}
}

func TestMonitorStaleMandelboxes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resetTestState()

	testLock.Lock()
	testImages = []dbdriver.Image{
		{
			Provider:  "AWS",
			Region:    "test-region",
			ImageID:   "test-image-id",
			ClientSHA: "test-sha",
			Active:    true,
		},
	}
	testMandelboxes = []dbdriver.Mandelbox{
		{
			ID:         types.MandelboxID(uuid.New()),
			App:        "CHROME",
			InstanceID: "test-instance",
			UserID:     "test-user-id",
			Status:     dbdriver.MandelboxStatusAllocated,
			CreatedAt:  time.Now().Add(-10 * time.Minute),
		},
		{
			ID:         types.MandelboxID(uuid.New()),
			App:        "CHROME",
			InstanceID: "test-instance",
			UserID:     "test-user-id-2",
			Status:     dbdriver.MandelboxStatusRunning,
			CreatedAt:  time.Now().Add(-10 * time.Minute),
		},
	}
	testLock.Unlock()

	// The allocated mandelbox was never connected to and should be removed,
	// the running one stays.
	err := testAlgorithm.MonitorInstances(ctx, ScalingEvent{Region: "test-region"})
	if err != nil {
		t.Errorf("Failed while testing monitor action. Err: %v", err)
	}

	testLock.Lock()
	defer testLock.Unlock()

	if len(testMandelboxes) != 1 || testMandelboxes[0].Status != dbdriver.MandelboxStatusRunning {
		t.Errorf("Expected only the running mandelbox to remain, got %v", testMandelboxes)
	}
}
