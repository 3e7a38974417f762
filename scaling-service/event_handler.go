// Copyright (c) 2022-2023 Whist Technologies, Inc.

package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/config"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/dbdriver"
	algos "github.com/whisthq/whist/backend/control-plane/scaling-service/scaling_algorithms/default"
	"github.com/whisthq/whist/backend/control-plane/utils"
	logger "github.com/whisthq/whist/backend/control-plane/whistlogger"
)

const (
	// How often the scale down routine runs on each region. Running it too
	// often wastes instance hours because instances are billed by the hour,
	// running it too rarely leaves excess capacity around.
	scaleDownInterval = 10 * time.Minute

	// How often the monitor routine checks heartbeats and retired images.
	monitorInterval = 1 * time.Minute
)

// runService starts the scaling service itself: one scaling algorithm per
// enabled region, the scheduler that triggers the periodic scaling and
// monitor routines, and the HTTP server. It blocks until it receives an
// interrupt or until something cancels the global context.
func runService() error {
	globalCtx, globalCancel := context.WithCancel(context.Background())
	goroutineTracker := &sync.WaitGroup{}

	if err := config.Initialize(globalCtx); err != nil {
		globalCancel()
		return utils.MakeError("failed to initialize configuration: %s", err)
	}

	db, err := dbdriver.NewDBClient(globalCtx)
	if err != nil {
		globalCancel()
		return utils.MakeError("failed to connect to the database: %s", err)
	}
	defer db.Close()

	// Single channel for all incoming events. The event loop fans them
	// out to the corresponding region's algorithm.
	events := make(chan algos.ScalingEvent, 100)

	// algorithmByRegionMap holds all of the scaling algorithms mapped by region.
	// Use a sync map since we only write the keys once but will be reading multiple
	// times by different goroutines.
	algorithmByRegionMap := &sync.Map{}
	for _, region := range config.GetEnabledRegions() {
		algorithm := &algos.DefaultScalingAlgorithm{
			Region:   region,
			DBClient: db,
		}
		algorithm.CreateEventChans()
		algorithm.CreateBuffer()
		algorithm.ProcessEvents(globalCtx, goroutineTracker)

		algorithmByRegionMap.Store(region, algorithm)
	}

	StartSchedulerEvents(globalCtx, events)
	StartHTTPServer(globalCtx, goroutineTracker, events, db)

	// Start main event loop
	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()
		eventLoop(globalCtx, events, algorithmByRegionMap)
	}()

	// Register a signal handler for Ctrl-C so that we cleanup if Ctrl-C is pressed.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Wait for either the global context to get cancelled by a worker goroutine,
	// or for us to receive an interrupt.
	select {
	case <-sigChan:
		logger.Infof("Got an interrupt or SIGTERM")
	case <-globalCtx.Done():
		logger.Infof("Global context cancelled")
	}

	globalCancel()
	goroutineTracker.Wait()

	return nil
}

// StartSchedulerEvents starts the scheduler that sends the periodic scaling
// events to each region. The scale down routine runs every few minutes to
// drop excess capacity, and the monitor routine runs more frequently to pick
// up unresponsive instances and retired images quickly.
func StartSchedulerEvents(globalCtx context.Context, scheduledEvents chan algos.ScalingEvent) {
	s := gocron.NewScheduler(time.UTC)

	_, err := s.Every(scaleDownInterval).Do(func() {
		for _, region := range config.GetEnabledRegions() {
			scheduledEvents <- algos.ScalingEvent{
				ID:     uuid.NewString(),
				Type:   algos.ScheduledScaleDownEvent,
				Region: region,
			}
		}
	})
	if err != nil {
		logger.Errorf("failed to schedule scale down routine: %s", err)
	}

	_, err = s.Every(monitorInterval).Do(func() {
		for _, region := range config.GetEnabledRegions() {
			scheduledEvents <- algos.ScalingEvent{
				ID:     uuid.NewString(),
				Type:   algos.ScheduledMonitorEvent,
				Region: region,
			}
		}
	})
	if err != nil {
		logger.Errorf("failed to schedule monitor routine: %s", err)
	}

	s.StartAsync()

	go func() {
		<-globalCtx.Done()
		s.Stop()
	}()
}

// getScalingAlgorithm returns the scaling algorithm of the region the event
// was requested on. Events on unknown regions fall back to any running
// algorithm, which rejects them with the appropriate error.
func getScalingAlgorithm(algorithmByRegion *sync.Map, scalingEvent algos.ScalingEvent) algos.ScalingAlgorithm {
	algorithm, ok := algorithmByRegion.Load(scalingEvent.Region)
	if ok {
		return algorithm.(algos.ScalingAlgorithm)
	}

	logger.Warningf("%q not found on algorithm map, using fallback", scalingEvent.Region)

	var fallback algos.ScalingAlgorithm
	algorithmByRegion.Range(func(key, value interface{}) bool {
		fallback = value.(algos.ScalingAlgorithm)
		return false
	})

	return fallback
}

// eventLoop is the main event loop of the scaling service. It routes each
// incoming event to the channel of the algorithm that runs on the event's
// region.
func eventLoop(globalCtx context.Context, events <-chan algos.ScalingEvent, algorithmByRegion *sync.Map) {
	for {
		select {
		case event := <-events:
			algorithm := getScalingAlgorithm(algorithmByRegion, event)

			scalingAlgorithm, ok := algorithm.(*algos.DefaultScalingAlgorithm)
			if !ok {
				logger.Errorf("no scaling algorithm available for event %s on region %s", event.ID, event.Region)
				continue
			}

			switch event.Type {
			case algos.MandelboxAssignEvent:
				scalingAlgorithm.RequestEventChan <- event
			case algos.InstanceDrainEvent:
				scalingAlgorithm.InstanceEventChan <- event
			case algos.ScheduledScaleDownEvent, algos.ScheduledMonitorEvent, algos.ImageUpgradeEvent:
				scalingAlgorithm.ScheduledEventChan <- event
			default:
				logger.Warningf("received an event of unknown type %s", event.Type)
			}
		case <-globalCtx.Done():
			return
		}
	}
}
