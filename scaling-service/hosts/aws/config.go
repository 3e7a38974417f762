package aws

import ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

// Configuration for instances

const (
	// The minimum of instances to launch. Necessary for the AWS SDK.
	MIN_INSTANCE_COUNT = 1

	// The type of instances we want to launch. TODO: change data structure when
	// different instance types are added.
	INSTANCE_TYPE = ec2Types.InstanceTypeG4dn2xlarge
)
