// Copyright (c) 2022 Whist Technologies, Inc.

package scaling_algorithms

import (
	"time"

	"github.com/whisthq/whist/backend/control-plane/constants"
	"github.com/whisthq/whist/backend/control-plane/utils"
)

const (
	// defaultInstanceBuffer is the number of instances with space to run
	// mandelboxes. This value is used when deciding how many instances to
	// scale up if no more mandelboxes can be started.
	defaultInstanceBuffer = 1

	// VCPUsPerMandelbox indicates the number of vCPUs allocated per mandelbox.
	VCPUsPerMandelbox = 4

	// maxWaitTimeReady is the max time we whould wait for instances to be ready.
	maxWaitTimeReady = 5 * time.Minute

	// maxWaitTimeTerminated is the max time we whould wait for instances to be terminated.
	maxWaitTimeTerminated = 5 * time.Minute

	// lingerTime is how long an instance is allowed to stay in the DRAINING
	// status before we ask the cloud provider to terminate it directly.
	lingerTime = 10 * time.Minute

	// unresponsiveThreshold is how long an ACTIVE instance can go without
	// sending a heartbeat before it is considered unresponsive.
	unresponsiveThreshold = 2 * time.Minute

	// preConnectionExpiry is how long a launched instance has to register
	// itself with the scaling service before we give up on it.
	preConnectionExpiry = 15 * time.Minute

	// staleAllocatedAge and staleConnectingAge are how long a mandelbox can
	// sit in the ALLOCATED or CONNECTING status before the row is removed.
	// Rows that get stuck in these statuses come from users who were assigned
	// an instance and never connected to it.
	staleAllocatedAge  = 5 * time.Minute
	staleConnectingAge = 20 * time.Minute

	// upgradeBufferDeadline is the max time we wait, during a deploy, for a
	// region's new-image buffer instance to register itself and become ACTIVE.
	upgradeBufferDeadline = 15 * time.Minute

	// upgradeBufferPollInterval is how often we poll the database while
	// waiting for the new-image buffer instance to become ACTIVE.
	upgradeBufferPollInterval = 30 * time.Second

	// scaleUpRetryBase and scaleUpRetryCap bound the exponential backoff used
	// when retrying failed instance launches against the cloud provider.
	scaleUpRetryBase = 1 * time.Second
	scaleUpRetryCap  = 60 * time.Second
)

var (
	// instanceTypeToGPUNum maps the type of instance to the number of GPUs it has.
	instanceTypeToGPUNum = map[string]int64{
		"g4dn.xlarge":   1,
		"g4dn.2xlarge":  1,
		"g4dn.4xlarge":  1,
		"g4dn.8xlarge":  1,
		"g4dn.16xlarge": 1,
		"g4dn.12xlarge": 4,
	}

	// instanceTypeToVCPUNum maps the type of instance to the number of vCPUs it has.
	instanceTypeToVCPUNum = map[string]int64{
		"g4dn.xlarge":   4,
		"g4dn.2xlarge":  8,
		"g4dn.4xlarge":  16,
		"g4dn.8xlarge":  32,
		"g4dn.16xlarge": 64,
		"g4dn.12xlarge": 48,
	}

	// instanceCapacity is a mapping of the mandelbox capacity each type of instance has.
	instanceCapacity = generateInstanceCapacityMap(instanceTypeToGPUNum, instanceTypeToVCPUNum)
)

// generateInstanceCapacityMap uses the global instanceTypeToGPUNum and
// instanceTypeToVCPUNum maps to generate the mandelbox capacity for each
// instance type in both.
func generateInstanceCapacityMap(instanceToGPUMap, instanceToVCPUMap map[string]int64) map[string]int64 {
	capacityMap := map[string]int64{}
	for instanceType, gpuNum := range instanceToGPUMap {
		vcpuNum, ok := instanceToVCPUMap[instanceType]
		if !ok {
			continue
		}
		capacityMap[instanceType] = utils.Min(gpuNum*constants.MaxMandelboxesPerGPU, vcpuNum/VCPUsPerMandelbox)
	}
	return capacityMap
}
