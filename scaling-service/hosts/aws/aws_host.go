package aws

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/lithammer/shortuuid/v3"

	"github.com/whisthq/whist/backend/control-plane/metadata"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/dbdriver"
	"github.com/whisthq/whist/backend/control-plane/utils"
	logger "github.com/whisthq/whist/backend/control-plane/whistlogger"
)

// EC2Client is the methods of the EC2 API the scaling service uses. The
// embedded DescribeInstancesAPIClient is what the SDK waiters take, so an
// AWSHost can hand its client straight to them.
type EC2Client interface {
	ec2.DescribeInstancesAPIClient
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
}

// AWSHost implements the HostHandler interface on top of the EC2 API.
type AWSHost struct {
	Region string
	Config aws.Config
	EC2    EC2Client
}

// Initialize loads the AWS config for the given region and starts
// the EC2 client.
func (host *AWSHost) Initialize(region string) error {
	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
	if err != nil {
		return utils.MakeError("unable to load AWS SDK config: %s", err)
	}

	host.Region = region
	host.Config = cfg
	host.EC2 = ec2.NewFromConfig(cfg)

	return nil
}

// GetRegion returns the region the host was initialized on.
func (host *AWSHost) GetRegion() string {
	return host.Region
}

// SpinUpInstances launches `numInstances` instances from the given image and
// blocks until they are running on EC2, or until `maxWaitTime` passes. The
// launch call carries `dedupToken` as its client token, so the caller can
// retry a failed launch without double-launching.
func (host *AWSHost) SpinUpInstances(scalingCtx context.Context, numInstances int32, maxWaitTime time.Duration, image dbdriver.Image, dedupToken string) ([]dbdriver.Instance, error) {
	input := &ec2.RunInstancesInput{
		MinCount:                          aws.Int32(MIN_INSTANCE_COUNT),
		MaxCount:                          aws.Int32(numInstances),
		ImageId:                           aws.String(image.ImageID),
		InstanceType:                      INSTANCE_TYPE,
		InstanceInitiatedShutdownBehavior: ec2Types.ShutdownBehaviorTerminate,
		ClientToken:                       aws.String(dedupToken),
		TagSpecifications: []ec2Types.TagSpecification{
			{
				ResourceType: ec2Types.ResourceTypeInstance,
				Tags: []ec2Types.Tag{
					{
						Key:   aws.String("Name"),
						Value: aws.String(host.generateName()),
					},
					{
						Key:   aws.String("Env"),
						Value: aws.String(metadata.GetAppEnvironmentLowercase()),
					},
				},
			},
		},
	}

	result, err := host.EC2.RunInstances(scalingCtx, input)
	if err != nil {
		return nil, utils.MakeError("error creating instances: %s", err)
	}

	var (
		createdInstances []dbdriver.Instance
		instanceIDs      []string
	)
	for _, awsInstance := range result.Instances {
		createdInstances = append(createdInstances, dbdriver.Instance{
			ID:        aws.ToString(awsInstance.InstanceId),
			Provider:  "AWS",
			Region:    host.Region,
			ImageID:   aws.ToString(awsInstance.ImageId),
			ClientSHA: image.ClientSHA,
			Type:      string(awsInstance.InstanceType),
			Status:    dbdriver.InstanceStatusPreConnection,
			CreatedAt: time.Now(),
		})
		instanceIDs = append(instanceIDs, aws.ToString(awsInstance.InstanceId))
	}

	// EC2 can launch fewer instances than MaxCount when the region is near
	// its capacity limits. Report the ones that did start so they get
	// written to the database and are not leaked.
	if len(result.Instances) != int(numInstances) {
		return createdInstances, utils.MakeError("requested %d instances but EC2 started %d", numInstances, len(result.Instances))
	}

	logger.Infof("Started %d instances on %s: %s", numInstances, host.Region, strings.Join(instanceIDs, ", "))

	err = host.WaitForInstanceReady(scalingCtx, maxWaitTime, instanceIDs)
	if err != nil {
		return createdInstances, utils.MakeError("error waiting for instances to be ready: %s", err)
	}

	return createdInstances, nil
}

// SpinDownInstances terminates the instances in `instanceIDs`.
func (host *AWSHost) SpinDownInstances(scalingCtx context.Context, instanceIDs []string) error {
	terminateInput := &ec2.TerminateInstancesInput{
		InstanceIds: instanceIDs,
	}

	terminateOutput, err := host.EC2.TerminateInstances(scalingCtx, terminateInput)
	if err != nil {
		return utils.MakeError("error terminating instances %s: %s", instanceIDs, err)
	}

	if len(terminateOutput.TerminatingInstances) != len(instanceIDs) {
		return utils.MakeError("requested termination of %d instances but EC2 terminated %d", len(instanceIDs), len(terminateOutput.TerminatingInstances))
	}

	return nil
}

// WaitForInstanceTermination waits until the given instances have terminated
// on EC2.
func (host *AWSHost) WaitForInstanceTermination(scalingCtx context.Context, maxWaitTime time.Duration, instanceIDs []string) error {
	waiter := ec2.NewInstanceTerminatedWaiter(host.EC2)

	waitParams := &ec2.DescribeInstancesInput{
		InstanceIds: instanceIDs,
	}

	err := waiter.Wait(scalingCtx, waitParams, maxWaitTime)
	if err != nil {
		return utils.MakeError("failed waiting for instances %s to terminate: %s", instanceIDs, err)
	}

	return nil
}

// WaitForInstanceReady waits until the given instances are running on EC2.
func (host *AWSHost) WaitForInstanceReady(scalingCtx context.Context, maxWaitTime time.Duration, instanceIDs []string) error {
	waiter := ec2.NewInstanceRunningWaiter(host.EC2)

	waitParams := &ec2.DescribeInstancesInput{
		InstanceIds: instanceIDs,
	}

	err := waiter.Wait(scalingCtx, waitParams, maxWaitTime)
	if err != nil {
		return utils.MakeError("failed waiting for instances %s to be ready: %s", instanceIDs, err)
	}

	return nil
}

// generateName returns a name for a newly launched instance.
func (host *AWSHost) generateName() string {
	return utils.Sprintf("ins-%s-%s", host.Region, strings.ToLower(shortuuid.New()))
}
