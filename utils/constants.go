package utils // import "github.com/whisthq/whist/backend/control-plane/utils"

import "github.com/google/uuid"

// PlaceholderTestUUID returns the special uuid to use as a placholder during
// tests. The value is obvious and immediate when searching through logs, and
// being non nil means a nil UUID can always be treated as an error.
func PlaceholderTestUUID() uuid.UUID {
	uuid, _ := uuid.Parse("22222222-2222-2222-2222-222222222222")
	return uuid
}
