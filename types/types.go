// Package types contains the string types shared between the placement
// packages. We define this package separately so that we can safely pass these
// types around to other packages without import cycles.
package types // import "github.com/whisthq/whist/backend/control-plane/types"

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/whisthq/whist/backend/control-plane/utils"
)

// We define special types for the following string types for all the benefits
// of type safety, including making sure we never switch instance names and
// instance IDs, for instance.

type (
	// A MandelboxID is a random string created for each mandelbox. We need some
	// sort of identifier for each mandelbox, and we need it before the host
	// gives us back the runtime ID for the mandelbox.
	MandelboxID uuid.UUID

	// UserID is the id assigned to a user by the authentication provider (Auth0).
	UserID string

	// SessionID is created by the frontend and is written when a mandelbox gets
	// assigned to a user, it's represented by a Unix timestamp.
	SessionID string

	// ClientCommitHash is the git commit hash of the frontend build the user is
	// running. It has to match the commit hash the active image was built
	// against before we hand the user an instance.
	ClientCommitHash string

	// Types for cloud metadata

	// InstanceID represents the unique ID assigned by the provider to the instance.
	InstanceID string

	// InstanceName is the name given to the instance by the scaling service.
	InstanceName string

	// ImageID is the unique ID associated with the machine image used to start the instance.
	ImageID string

	// InstanceType is the kind of instance in use, depending on its hardware characteristics.
	InstanceType string

	// PlacementRegion is the region or zone where the compute resources exist for a specific cloud provider.
	PlacementRegion string
)

// Custom type methods

// String is a utility function to return the string representation of a MandelboxID.
func (mandelboxID MandelboxID) String() string {
	return uuid.UUID(mandelboxID).String()
}

// MarshalJSON is a utility function to properly marshal a mandelboxID into a proper JSON representation
func (mandelboxID MandelboxID) MarshalJSON() ([]byte, error) {
	u := uuid.UUID(mandelboxID)
	UUID, err := uuid.Parse(u.String())

	if err != nil {
		return nil, utils.MakeError("Received invalid UUID when marshaling")
	}

	bytes, err := json.Marshal(UUID.String())

	if err != nil {
		return nil, utils.MakeError("Error marshaling UUID")
	}

	return bytes, nil
}

// UnmarshalJSON is a utility function to properly unmarshal JSON into a type MandelboxID
func (mandelboxID *MandelboxID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), "\"")
	UUID, err := uuid.Parse(s)

	if err != nil {
		return utils.MakeError("Error parsing UUID")
	}

	*mandelboxID = MandelboxID(UUID)
	return nil
}
