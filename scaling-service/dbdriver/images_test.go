// Copyright (c) 2022 Whist Technologies, Inc.

package dbdriver

import (
	"errors"
	"strings"
	"testing"
)

func TestSoleActiveImage(t *testing.T) {
	image := Image{
		Provider: "AWS",
		Region:   "us-east-1",
		ImageID:  "ami-test",
		Active:   true,
	}

	t.Run("no active images", func(t *testing.T) {
		_, err := soleActiveImage("us-east-1", nil)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("one active image", func(t *testing.T) {
		got, err := soleActiveImage("us-east-1", []Image{image})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if got.ImageID != "ami-test" {
			t.Errorf("expected image ami-test, got %s", got.ImageID)
		}
	})

	t.Run("duplicate active images", func(t *testing.T) {
		other := image
		other.ImageID = "ami-other"

		_, err := soleActiveImage("us-east-1", []Image{image, other})
		if err == nil {
			t.Fatal("expected an error for a region with two active images")
		}
		if errors.Is(err, ErrNotFound) {
			t.Fatalf("expected a distinct error, got ErrNotFound")
		}
		// The error has to name the offending images so an operator can
		// repair the catalog.
		if !strings.Contains(err.Error(), "ami-test") || !strings.Contains(err.Error(), "ami-other") {
			t.Errorf("expected the error to list the active images, got: %v", err)
		}
	})
}
