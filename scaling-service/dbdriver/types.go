// Copyright (c) 2022 Whist Technologies, Inc.

package dbdriver

import (
	"context"
	"time"

	"github.com/whisthq/whist/backend/control-plane/types"
)

// An InstanceStatus represents a possible status that an instance can have
// in the database.
type InstanceStatus string

// These represent the currently-defined statuses for instances.
const (
	// InstanceStatusPreConnection is the status of a freshly launched instance
	// that has not yet registered itself with the scaling service.
	InstanceStatusPreConnection InstanceStatus = "PRE_CONNECTION"
	// InstanceStatusActive is the status of an instance that is registered and
	// accepting mandelboxes.
	InstanceStatusActive InstanceStatus = "ACTIVE"
	// InstanceStatusDraining is the status of an instance that should not
	// receive new mandelboxes and will shut down once its current ones finish.
	InstanceStatusDraining InstanceStatus = "DRAINING"
	// InstanceStatusUnresponsive is the status of an active instance that has
	// stopped sending heartbeats.
	InstanceStatusUnresponsive InstanceStatus = "HOST_SERVICE_UNRESPONSIVE"
	// InstanceStatusTerminating is the status of a draining instance whose
	// cloud termination has been requested.
	InstanceStatusTerminating InstanceStatus = "TERMINATING"
)

// A MandelboxStatus represents a possible status that a mandelbox can have
// in the database.
type MandelboxStatus string

// These represent the currently-defined statuses for mandelboxes.
const (
	MandelboxStatusAllocated  MandelboxStatus = "ALLOCATED"
	MandelboxStatusConnecting MandelboxStatus = "CONNECTING"
	MandelboxStatusRunning    MandelboxStatus = "RUNNING"
	MandelboxStatusDying      MandelboxStatus = "DYING"
)

// Instance is a custom type to represent an instance. It maps directly to a
// row of the `whist.instances` table.
type Instance struct {
	ID            string         `json:"id"`             // Name of the instance, assigned by the scaling service
	Provider      string         `json:"provider"`       // Cloud provider this instance is running on
	Region        string         `json:"region"`         // Region this instance is running on
	ImageID       string         `json:"image_id"`       // ID of the machine image used to launch this instance
	ClientSHA     string         `json:"client_sha"`     // Commit hash of the frontend this instance serves
	IPAddress     string         `json:"ip_addr"`        // Public IPv4 address
	Type          string         `json:"instance_type"`  // Instance type
	Capacity      int64          `json:"capacity"`       // Total number of mandelboxes this instance can run
	Status        InstanceStatus `json:"status"`         // Current status of the instance
	AuthToken     string         `json:"auth_token"`     // Opaque token the instance presents on heartbeats
	LastHeartbeat time.Time      `json:"last_heartbeat"` // Timestamp of the last heartbeat received
	CreatedAt     time.Time      `json:"created_at"`     // Timestamp when the instance was created
	UpdatedAt     time.Time      `json:"updated_at"`     // Timestamp when the instance was last updated
}

// InstanceWithRoom is a row of the `whist.instances_with_room_for_mandelboxes`
// view: an ACTIVE instance together with how many mandelboxes it is currently
// running. The view orders rows fullest-first so new sessions pack onto
// instances that are already busy, letting emptier ones drain and scale down.
type InstanceWithRoom struct {
	ID                 string `json:"id"`
	Region             string `json:"region"`
	ImageID            string `json:"image_id"`
	ClientSHA          string `json:"client_sha"`
	IPAddress          string `json:"ip_addr"`
	Capacity           int64  `json:"capacity"`
	RunningMandelboxes int64  `json:"running_mandelboxes"`
}

// RemainingCapacity returns the number of additional mandelboxes the
// instance can accept.
func (i InstanceWithRoom) RemainingCapacity() int64 {
	return i.Capacity - i.RunningMandelboxes
}

// Mandelbox is a custom type to represent a mandelbox. It maps directly to a
// row of the `whist.mandelboxes` table.
type Mandelbox struct {
	ID         types.MandelboxID `json:"id"`          // UUID of the mandelbox
	App        string            `json:"app"`         // App running on the mandelbox
	InstanceID string            `json:"instance_id"` // Name of the instance in which this mandelbox is running
	UserID     types.UserID      `json:"user_id"`     // ID of the user to which the mandelbox is assigned
	SessionID  string            `json:"session_id"`  // ID of the session which is assigned to the mandelbox
	Status     MandelboxStatus   `json:"status"`      // Current status of the mandelbox
	CreatedAt  time.Time         `json:"created_at"`  // Timestamp when the mandelbox was created
}

// Image is a custom type to represent an image. We use the cloud provider
// agnostic term `image` that refers to a machine image used to launch
// instances. It maps directly to a row of the `whist.images` table.
type Image struct {
	Provider  string    `json:"provider"`   // Cloud provider where this image is registered
	Region    string    `json:"region"`     // Region where the image is registered
	ImageID   string    `json:"image_id"`   // ID of the image
	ClientSHA string    `json:"client_sha"` // Commit hash the image belongs to
	Active    bool      `json:"active"`     // Whether assigns and scale-ups should use this image
	Protected bool      `json:"protected"`  // Whether instances on this image are exempt from scale-down
	UpdatedAt time.Time `json:"updated_at"` // Timestamp when the image was registered
}

// Querier includes the query, insert, update and delete methods for the
// `whist.instances`, `whist.images` and `whist.mandelboxes` tables. The same
// methods are available on the pool-level client and inside transactions, so
// the scaling algorithm actions can run unchanged in either.
type Querier interface {
	QueryInstance(ctx context.Context, instanceID string) (Instance, error)
	QueryInstancesWithCapacity(ctx context.Context, region string) ([]InstanceWithRoom, error)
	QueryInstancesByStatusOnRegion(ctx context.Context, status InstanceStatus, region string) ([]Instance, error)
	QueryInstancesByImage(ctx context.Context, imageID string) ([]Instance, error)
	QueryUnresponsiveInstances(ctx context.Context, olderThan time.Time) ([]Instance, error)
	LockInstance(ctx context.Context, instanceID string) (Instance, error)
	InsertInstances(ctx context.Context, insertParams []Instance) (int, error)
	UpdateInstance(ctx context.Context, updateParams Instance) (int, error)
	UpdateInstanceStatus(ctx context.Context, instanceID string, status InstanceStatus) (int, error)
	RegisterInstance(ctx context.Context, instanceID string, ip string, capacity int64, authToken string) (int, error)
	UpdateInstanceHeartbeat(ctx context.Context, instanceID string, authToken string) (InstanceStatus, error)
	DeleteInstance(ctx context.Context, instanceID string) (int, error)
	QueryMandelbox(ctx context.Context, instanceID string, status MandelboxStatus) ([]Mandelbox, error)
	QueryUserMandelboxes(ctx context.Context, userID types.UserID) ([]Mandelbox, error)
	InsertMandelboxes(ctx context.Context, insertParams []Mandelbox) (int, error)
	UpdateMandelbox(ctx context.Context, updateParams Mandelbox) (int, error)
	RemoveStaleMandelboxes(ctx context.Context, allocatedAge time.Duration, connectingAge time.Duration) (int, error)
	QueryImage(ctx context.Context, region string, clientSHA string) (Image, error)
	QueryLatestImage(ctx context.Context, provider string, region string) (Image, error)
	QueryImagesByRegion(ctx context.Context, region string) ([]Image, error)
	InsertImages(ctx context.Context, insertParams []Image) (int, error)
	UpdateImage(ctx context.Context, updateParams Image) (int, error)
	DeleteImage(ctx context.Context, region string, clientSHA string) (int, error)
	AcquireRegionImageLock(ctx context.Context, region string, imageID string) error
}

// WhistDBClient is an interface that abstracts all interactions with the
// database. By abstracting the methods we can easily test and mock the
// scaling algorithm actions.
type WhistDBClient interface {
	Querier
	WithTransaction(ctx context.Context, fn func(Querier) error) error
	WithRegionImageLock(ctx context.Context, region string, imageID string, fn func(Querier) error) error
	Close()
}
