package topology

import (
	"fmt"

	"github.com/privacydam/deploy/internal/names"
	"github.com/privacydam/deploy/internal/network"
	"github.com/privacydam/deploy/internal/token"
	awsprov "github.com/privacydam/deploy/providers/aws"
)

const listenerPort = 4000

// LoadBalancer is the declared network load balancer.
type LoadBalancer struct {
	Name    string
	DNSName token.Value
}

// declareLoadBalancer fronts svc with an internet-facing NLB on the public
// subnets. Targets are the service's task IPs.
func declareLoadBalancer(s *Stack, net *network.Context, svc ServiceHandle) (LoadBalancer, error) {
	public := network.SubnetIDs(net.Public())
	if len(public) == 0 {
		return LoadBalancer{}, fmt.Errorf("no public subnet resolved in %s for %s", net.VpcID(), names.LoadBalancer)
	}

	if _, err := s.Add(awsprov.TypeLoadBalancer, names.LoadBalancer, awsprov.LoadBalancerConfig{
		Name:    names.LoadBalancer,
		Type:    "network",
		Scheme:  "internet-facing",
		Subnets: public,
	}); err != nil {
		return LoadBalancer{}, err
	}

	if _, err := s.Add(awsprov.TypeTargetGroup, names.TargetGroup, awsprov.TargetGroupConfig{
		Name:       names.TargetGroup,
		Port:       svc.ContainerPort,
		Protocol:   "TCP",
		VpcID:      net.VpcID(),
		TargetType: "ip",
	}); err != nil {
		return LoadBalancer{}, err
	}
	targetGroup := attr(awsprov.TypeTargetGroup, names.TargetGroup, "arn").Encode()

	if _, err := s.Add(awsprov.TypeListener, names.Listener, awsprov.ListenerConfig{
		LoadBalancerArn: attr(awsprov.TypeLoadBalancer, names.LoadBalancer, "arn").Encode(),
		Port:            listenerPort,
		Protocol:        "TCP",
		TargetGroupArn:  targetGroup,
	}); err != nil {
		return LoadBalancer{}, err
	}

	// ECS rejects a target group that no listener forwards to.
	if _, err := s.Add(awsprov.TypeServiceLoadBalancer, names.ServiceBinding, awsprov.ServiceLoadBalancerConfig{
		Cluster:        svc.Cluster.Encode(),
		Service:        attr(awsprov.TypeService, svc.Name, "name").Encode(),
		TargetGroupArn: targetGroup,
		ContainerName:  svc.ContainerName,
		ContainerPort:  svc.ContainerPort,
	}, address(awsprov.TypeListener, names.Listener)); err != nil {
		return LoadBalancer{}, err
	}

	return LoadBalancer{
		Name:    names.LoadBalancer,
		DNSName: attr(awsprov.TypeLoadBalancer, names.LoadBalancer, "dnsName"),
	}, nil
}
