package topology

import (
	"fmt"

	"github.com/privacydam/deploy/internal/names"
	"github.com/privacydam/deploy/internal/network"
	awsprov "github.com/privacydam/deploy/providers/aws"
)

// interfaceEndpoints are reached from the private subnets through private DNS.
var interfaceEndpoints = []struct {
	name    string
	service string
}{
	{names.EndpointECRAPI, "ecr.api"},
	{names.EndpointECRDKR, "ecr.dkr"},
	{names.EndpointLogs, "logs"},
	{names.EndpointSQS, "sqs"},
}

func serviceName(region, service string) string {
	return fmt.Sprintf("com.amazonaws.%s.%s", region, service)
}

// declareEndpoints attaches the private service endpoints to the private
// segment of net. S3 is a gateway endpoint on the private route tables.
func declareEndpoints(s *Stack, region string, net *network.Context, private SecurityGroup) error {
	if len(net.Private()) == 0 {
		return fmt.Errorf("no private subnet resolved in %s for the service endpoints", net.VpcID())
	}
	subnets := network.SubnetIDs(net.Private())
	for _, ep := range interfaceEndpoints {
		cfg := awsprov.VpcEndpointConfig{
			VpcID:             net.VpcID(),
			ServiceName:       serviceName(region, ep.service),
			Type:              "Interface",
			SubnetIDs:         subnets,
			SecurityGroupIDs:  []string{private.ID.Encode()},
			PrivateDNSEnabled: true,
			Tags:              map[string]string{"Name": ep.name},
		}
		if _, err := s.Add(awsprov.TypeVpcEndpoint, ep.name, cfg); err != nil {
			return err
		}
	}

	_, err := s.Add(awsprov.TypeVpcEndpoint, names.EndpointS3, awsprov.VpcEndpointConfig{
		VpcID:         net.VpcID(),
		ServiceName:   serviceName(region, "s3"),
		Type:          "Gateway",
		RouteTableIDs: network.RouteTableIDs(net.Private()),
		Tags:          map[string]string{"Name": names.EndpointS3},
	})
	return err
}
