package helpers

import (
	"github.com/whisthq/whist/backend/control-plane/scaling-service/hosts"
	aws "github.com/whisthq/whist/backend/control-plane/scaling-service/hosts/aws"
)

// GetHostFromProvider returns the host handler for the given cloud provider.
func GetHostFromProvider(provider string) hosts.HostHandler {
	switch provider {
	case "AWS":
		return &aws.AWSHost{}
	default:
		return &aws.AWSHost{}
	}
}
