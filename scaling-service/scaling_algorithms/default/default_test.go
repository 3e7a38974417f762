// Copyright (c) 2022 Whist Technologies, Inc.

package scaling_algorithms

import (
	"reflect"
	"testing"
)

func TestCreateEventChans(t *testing.T) {
	testAlgo := DefaultScalingAlgorithm{}
	testAlgo.CreateEventChans()

	// Send and receive some test events
	// to confirm the channels were created
	instanceEvent := ScalingEvent{
		Data:   "test-data-instance-event",
		Region: "test-region",
	}
	testAlgo.InstanceEventChan <- instanceEvent

	requestEvent := ScalingEvent{
		Data:   12345,
		Region: "test-region",
	}
	testAlgo.RequestEventChan <- requestEvent

	scheduledEvent := ScalingEvent{
		Data:   true,
		Region: "test-region",
	}
	testAlgo.ScheduledEventChan <- scheduledEvent

	// Now receive from each channel and validate
	gotInstanceEvent := <-testAlgo.InstanceEventChan
	ok := reflect.DeepEqual(gotInstanceEvent, instanceEvent)
	if !ok {
		t.Errorf("Got the wrong event from the instance event chan. Got %v, want %v", gotInstanceEvent, instanceEvent)
	}

	gotRequestEvent := <-testAlgo.RequestEventChan
	ok = reflect.DeepEqual(gotRequestEvent, requestEvent)
	if !ok {
		t.Errorf("Got the wrong event from the request event chan. Got %v, want %v", gotRequestEvent, requestEvent)
	}

	gotScheduledEvent := <-testAlgo.ScheduledEventChan
	ok = reflect.DeepEqual(gotScheduledEvent, scheduledEvent)
	if !ok {
		t.Errorf("Got the wrong event from the scheduled event chan. Got %v, want %v", gotScheduledEvent, scheduledEvent)
	}
}

func TestCreateBuffer(t *testing.T) {
	testAlgo := DefaultScalingAlgorithm{}

	// Check that the buffer starts unset
	if testAlgo.InstanceBuffer != nil {
		t.Errorf("Instance buffer is not zero value. Got %v, want nil", *testAlgo.InstanceBuffer)
	}

	testAlgo.CreateBuffer()
	if *testAlgo.InstanceBuffer != int32(defaultInstanceBuffer) {
		t.Errorf("Instance buffer was not set correctly. Got %v, want %v", *testAlgo.InstanceBuffer, defaultInstanceBuffer)
	}
}
