package helpers

import (
	"math/rand"
	"net"
	"time"

	"github.com/lithammer/shortuuid/v3"

	"github.com/whisthq/whist/backend/control-plane/metadata"
	"github.com/whisthq/whist/backend/control-plane/scaling-service/dbdriver"
)

// CreateFakeInstances will create the desired number of instances with random data. Its a helper function
// for local testing, to avoid having to spinup instances on a cloud provider.
func CreateFakeInstances(instanceNum int, imageID string, region string) []dbdriver.Instance {
	var fakeInstances []dbdriver.Instance
	for i := 0; i < instanceNum; i++ {
		src := rand.NewSource(time.Now().UnixNano())
		rnd := rand.New(src)
		bytes := make([]byte, 4)
		rnd.Read(bytes)
		ip := net.IPv4(bytes[0], bytes[1], bytes[2], bytes[3]).String()

		fakeInstances = append(fakeInstances, dbdriver.Instance{
			ID:            "fake-" + shortuuid.New(),
			Provider:      "AWS",
			Region:        region,
			ImageID:       imageID,
			ClientSHA:     metadata.GetGitCommit(),
			IPAddress:     ip + "/24",
			Type:          "g4dn.2xlarge",
			Capacity:      2,
			Status:        dbdriver.InstanceStatusActive,
			LastHeartbeat: time.Now(),
			CreatedAt:     time.Now(),
			UpdatedAt:     time.Now(),
		})
	}
	return fakeInstances
}
