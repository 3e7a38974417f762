/*
Package hosts is responsible for abstracting the interactions with
cloud providers, such as AWS, GCP, Azure, etc. It defines a HostHandler
interface which expects the necessary methods any cloud provider needs
for the scaling service to function.
*/
package hosts

import (
	"context"
	"time"

	"github.com/whisthq/whist/backend/control-plane/scaling-service/dbdriver"
)

// HostHandler is the interface that abstracts cloud providers.
type HostHandler interface {
	Initialize(region string) error
	GetRegion() string
	SpinUpInstances(scalingCtx context.Context, numInstances int32, maxWaitTime time.Duration, image dbdriver.Image, dedupToken string) (createdInstances []dbdriver.Instance, err error)
	SpinDownInstances(scalingCtx context.Context, instanceIDs []string) error
	WaitForInstanceTermination(scalingCtx context.Context, maxWaitTime time.Duration, instanceIDs []string) error
	WaitForInstanceReady(scalingCtx context.Context, maxWaitTime time.Duration, instanceIDs []string) error
}
