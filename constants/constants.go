// Package constants constains shared constants between the various
// backend services.
package constants

// MaxMandelboxesPerGPU represents the maximum of mandelboxes we can assign to
// each GPU and still maintain acceptable performance. Note that we are
// assuming that all GPUs on an instance are uniform (and that we are using
// only one instance type).
const MaxMandelboxesPerGPU = 3

// VCPUsPerMandelbox represents the number of vCPUs we reserve for each
// mandelbox. An instance can never run more mandelboxes than its vCPU count
// divided by this value, regardless of how many GPUs it has.
const VCPUsPerMandelbox = 4
