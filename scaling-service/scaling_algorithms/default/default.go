// Copyright (c) 2022 Whist Technologies, Inc.

/*
Package scaling_algorithms includes the implementation of the default scaling algorithm.

The default scaling algorithm performs the following actions:
- It validates and assigns users to active instances with capacity.
- It keeps a warm buffer of free mandelbox slots on each region so that
assign requests are served without a cold start.
- It drains and terminates instances that are no longer needed.
- It watches instance heartbeats and recycles hosts that stop reporting.
- It upgrades regions to new images with a two phase buffer-then-flip deploy.

Each region runs its own copy of the algorithm, and every copy receives
events from the scheduler and the HTTP server through its event channels.
The actions persist all state in the database, so concurrent copies of the
scaling service coordinate only through database locks.
*/
package scaling_algorithms

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/dbdriver"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/hostagent"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/hosts"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/hosts/aws"
	"github.com/whisthq/whist/backend/control-plane/utils"
	logger "github.com/whisthq/whist/backend/control-plane/whistlogger"
)

// ScalingAlgorithm is the basic abstraction of a scaling algorithm.
// It doesn't make any assumptions about the underlying implementation,
// it only defines the common interface.
type ScalingAlgorithm interface {
	ProcessEvents(context.Context, *sync.WaitGroup)
	CreateEventChans()
	CreateBuffer()
}

// ScalingEvent is a generic event that is passed to the
// scaling algorithm. It holds information about the
// event and where it originated.
type ScalingEvent struct {
	// A unique identifier for each scaling event.
	ID string
	// The type of event.
	Type string
	// Data relevant to the event.
	Data interface{}
	// Availability region where the scaling will be performed.
	Region string
}

// The event types the default scaling algorithm knows how to handle.
const (
	// An instance transitioned to DRAINING and should be verified for removal.
	InstanceDrainEvent = "INSTANCE_DRAIN_EVENT"
	// A user requested a mandelbox.
	MandelboxAssignEvent = "MANDELBOX_ASSIGN_EVENT"
	// Periodic event to scale down free instances.
	ScheduledScaleDownEvent = "SCHEDULED_SCALE_DOWN_EVENT"
	// Periodic event to check instance heartbeats and expired hosts.
	ScheduledMonitorEvent = "SCHEDULED_MONITOR_EVENT"
	// Event to start the image buffer for a deploy.
	ImageUpgradeEvent = "IMAGE_UPGRADE_EVENT"
)

// DefaultScalingAlgorithm abstracts the shared functionalities to be used
// by all of the different, region-based scaling algorithms.
type DefaultScalingAlgorithm struct {
	Host      hosts.HostHandler
	HostAgent hostagent.Client
	DBClient  dbdriver.WhistDBClient
	// Clock is used by waiting actions. Tests inject a fake clock.
	Clock clockwork.Clock
	// Region represents the cloud region the scaling algorithm
	// is operating on.
	Region string
	// InstanceBuffer represents the number of instances that should be
	// launched to keep a warm buffer of free slots in the region.
	InstanceBuffer *int32
	// InstanceEventChan receives drain notifications from the HTTP
	// server and the lifecycle monitor.
	InstanceEventChan chan ScalingEvent
	// RequestEventChan receives mandelbox assign requests.
	RequestEventChan chan ScalingEvent
	// ScheduledEventChan receives events from the scheduler.
	ScheduledEventChan chan ScalingEvent
}

// CreateEventChans creates the event channels if they don't already exist.
func (s *DefaultScalingAlgorithm) CreateEventChans() {
	if s.InstanceEventChan == nil {
		s.InstanceEventChan = make(chan ScalingEvent, 100)
	}
	if s.RequestEventChan == nil {
		s.RequestEventChan = make(chan ScalingEvent, 100)
	}
	if s.ScheduledEventChan == nil {
		s.ScheduledEventChan = make(chan ScalingEvent, 100)
	}
}

// CreateBuffer initializes the instance buffer.
func (s *DefaultScalingAlgorithm) CreateBuffer() {
	buffer := int32(defaultInstanceBuffer)
	s.InstanceBuffer = &buffer
}

// ProcessEvents is the main function of the scaling algorithm, it is responsible
// of processing the events and executing the appropiate scaling actions. This
// function is specific for each region scaling algorithm to be able to implement
// different strategies on each region.
func (s *DefaultScalingAlgorithm) ProcessEvents(globalCtx context.Context, goroutineTracker *sync.WaitGroup) {
	if s.Host == nil {
		handler := &aws.AWSHost{}
		s.Host = handler
	}

	err := s.Host.Initialize(s.Region)
	if err != nil {
		logger.Errorf("error starting host on region %s: %s", s.Region, err)
	}

	if s.HostAgent == nil {
		s.HostAgent = hostagent.NewHTTPClient()
	}

	if s.Clock == nil {
		s.Clock = clockwork.NewRealClock()
	}

	// Start algorithm main event loop
	// Track this goroutine so we can wait for it to
	// finish if the global context gets cancelled.
	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()

		for {
			select {
			case instanceEvent := <-s.InstanceEventChan:
				instance := instanceEvent.Data.(dbdriver.Instance)

				if instance.Status == dbdriver.InstanceStatusDraining {
					// Track scaling action
					goroutineTracker.Add(1)
					go func() {
						defer goroutineTracker.Done()

						err := s.VerifyInstanceScaleDown(globalCtx, instanceEvent, instance)
						if err != nil {
							logger.Errorf("error verifying instance scale down: %s", err)
						}
					}()
				}
			case requestEvent := <-s.RequestEventChan:
				if requestEvent.Type == MandelboxAssignEvent {
					goroutineTracker.Add(1)
					go func() {
						defer goroutineTracker.Done()

						err := s.MandelboxAssign(globalCtx, requestEvent)
						if err != nil {
							logger.Errorf("error assigning mandelbox: %s", err)
						}
					}()
				}
			case scheduledEvent := <-s.ScheduledEventChan:
				switch scheduledEvent.Type {
				case ScheduledScaleDownEvent:
					goroutineTracker.Add(1)
					go func() {
						defer goroutineTracker.Done()

						err := s.ScaleDownIfNecessary(globalCtx, scheduledEvent)
						if err != nil {
							logger.Errorf("error running scale down routine: %s", err)
						}
					}()
				case ScheduledMonitorEvent:
					goroutineTracker.Add(1)
					go func() {
						defer goroutineTracker.Done()

						err := s.MonitorInstances(globalCtx, scheduledEvent)
						if err != nil {
							logger.Errorf("error running instance monitor routine: %s", err)
						}
					}()
				case ImageUpgradeEvent:
					goroutineTracker.Add(1)
					go func() {
						defer goroutineTracker.Done()

						upgrade, ok := scheduledEvent.Data.(ImageUpgradeRequest)
						if !ok {
							logger.Errorf("error parsing image upgrade event: %s",
								utils.MakeError("expected ImageUpgradeRequest, got %v", scheduledEvent.Data))
							return
						}

						err := s.UpgradeImage(globalCtx, scheduledEvent, upgrade.ClientSHA, upgrade.RegionImages[scheduledEvent.Region])
						if err != nil {
							logger.Errorf("error running image upgrade routine: %s", err)
						}
					}()
				}
			case <-globalCtx.Done():
				logger.Infof("Global context has been cancelled, exiting event loop...")
				return
			}
		}
	}()
}
