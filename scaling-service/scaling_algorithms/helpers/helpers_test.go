package helpers

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/whisthq/whist/backend/control-plane/scaling-service/dbdriver"
)

func TestSanitizeEmail(t *testing.T) {
	var tests = []struct {
		name, email, want string
	}{
		{"valid email", "user@whist.com", "user@whist.com"},
		{"valid email with plus", "user+test@whist.com", "user+test@whist.com"},
		{"spoofed value", "<script>alert(1)</script>", ""},
		{"empty email", "", ""},
		{"missing domain", "user@", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeEmail(tt.email)
			if err != nil {
				t.Fatalf("SanitizeEmail(%q) returned an error: %s", tt.email, err)
			}
			if got != tt.want {
				t.Errorf("SanitizeEmail(%q) = %q, want %q", tt.email, got, tt.want)
			}
		})
	}
}

func TestComputeRealCapacity(t *testing.T) {
	activeInstances := []dbdriver.InstanceWithRoom{
		{ID: "instance-1", ImageID: "test-image-id", Capacity: 10, RunningMandelboxes: 7},
		{ID: "instance-2", ImageID: "test-image-id", Capacity: 10, RunningMandelboxes: 10},
		{ID: "instance-3", ImageID: "other-image-id", Capacity: 10, RunningMandelboxes: 0},
	}

	instances, mandelboxes := ComputeRealCapacity("test-image-id", activeInstances)
	if instances != 1 {
		t.Errorf("expected 1 instance with room, got %d", instances)
	}
	if mandelboxes != 3 {
		t.Errorf("expected 3 free mandelbox slots, got %d", mandelboxes)
	}
}

func TestComputeExpectedCapacity(t *testing.T) {
	activeInstances := []dbdriver.InstanceWithRoom{
		{ID: "instance-1", ImageID: "test-image-id", Capacity: 10, RunningMandelboxes: 8},
	}
	startingInstances := []dbdriver.Instance{
		{ID: "instance-2", ImageID: "test-image-id", Capacity: 10, Status: dbdriver.InstanceStatusPreConnection},
		{ID: "instance-3", ImageID: "other-image-id", Capacity: 10, Status: dbdriver.InstanceStatusPreConnection},
	}

	instances, mandelboxes := ComputeExpectedCapacity("test-image-id", activeInstances, startingInstances)
	if instances != 2 {
		t.Errorf("expected 2 instances, got %d", instances)
	}

	// 2 free slots on the active instance plus the full capacity of the
	// starting one.
	if mandelboxes != 12 {
		t.Errorf("expected 12 free mandelbox slots, got %d", mandelboxes)
	}
}

func TestWaitForCondition(t *testing.T) {
	// Each subtest gets its own fake clock. Sleepers registered by a
	// finished WaitForCondition call stay attached to the clock, so a
	// shared one would make BlockUntil return before the next call has
	// registered its own timers.
	t.Run("condition already met", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		err := WaitForCondition(context.Background(), clock, time.Second, time.Minute, func(context.Context) (bool, error) {
			return true, nil
		})
		if err != nil {
			t.Errorf("expected no error when the condition is already met, got: %s", err)
		}
	})

	t.Run("condition met after polling", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		var calls int
		done := make(chan error, 1)
		go func() {
			done <- WaitForCondition(context.Background(), clock, time.Second, time.Minute, func(context.Context) (bool, error) {
				calls++
				return calls >= 3, nil
			})
		}()

		for i := 0; i < 2; i++ {
			// Wait until both the deadline and the ticker are registered
			// before advancing.
			clock.BlockUntil(2)
			clock.Advance(time.Second)
		}

		if err := <-done; err != nil {
			t.Errorf("expected no error after the condition was met, got: %s", err)
		}
	})

	t.Run("deadline exceeded", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		done := make(chan error, 1)
		go func() {
			done <- WaitForCondition(context.Background(), clock, time.Second, time.Minute, func(context.Context) (bool, error) {
				return false, nil
			})
		}()

		clock.BlockUntil(2)
		clock.Advance(2 * time.Minute)

		if err := <-done; err == nil {
			t.Error("expected an error after exceeding the deadline")
		}
	})

	t.Run("context cancelled", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- WaitForCondition(ctx, clock, time.Second, time.Minute, func(context.Context) (bool, error) {
				return false, nil
			})
		}()

		cancel()
		if err := <-done; err == nil {
			t.Error("expected an error after cancelling the context")
		}
	})
}
