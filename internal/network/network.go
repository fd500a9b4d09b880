// Package network resolves an existing VPC and classifies its subnets.
package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/privacydam/deploy/internal/logging"
)

// Tier classifies a subnet by how it reaches the internet.
type Tier string

const (
	TierPublic   Tier = "public"
	TierPrivate  Tier = "private"
	TierIsolated Tier = "isolated"
)

// Subnet is one entry of a VPC's subnet inventory.
type Subnet struct {
	ID               string
	AvailabilityZone string
	CIDR             string
	RouteTableID     string
	Tier             Tier
}

// Inventory is every subnet of a VPC, ordered by subnet id.
type Inventory struct {
	VpcID   string
	CIDR    string
	Subnets []Subnet
}

// ByTier returns the inventory subnets of tier t.
func (inv *Inventory) ByTier(t Tier) []Subnet {
	var out []Subnet
	for _, s := range inv.Subnets {
		if s.Tier == t {
			out = append(out, s)
		}
	}
	return out
}

// EC2API is the subset of the EC2 client used for network lookup.
type EC2API interface {
	DescribeVpcs(ctx context.Context, params *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DescribeRouteTables(ctx context.Context, params *ec2.DescribeRouteTablesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error)
}

// ErrVpcNotFound is returned when the VPC id does not resolve.
var ErrVpcNotFound = errors.New("vpc not found")

// Lookup describes vpcID and classifies its subnets by their route tables.
func Lookup(ctx context.Context, api EC2API, vpcID string) (*Inventory, error) {
	if vpcID == "" {
		return nil, fmt.Errorf("%w: empty vpc id", ErrVpcNotFound)
	}
	logging.Debug("looking up vpc", "vpc", vpcID)

	vpcs, err := api.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{vpcID}})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "InvalidVpcID.NotFound" {
			return nil, fmt.Errorf("%w: %s", ErrVpcNotFound, vpcID)
		}
		return nil, fmt.Errorf("failed to describe vpc %s: %w", vpcID, err)
	}
	if len(vpcs.Vpcs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrVpcNotFound, vpcID)
	}

	vpcFilter := []types.Filter{{Name: aws.String("vpc-id"), Values: []string{vpcID}}}

	var subnets []types.Subnet
	var token *string
	for {
		out, err := api.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{Filters: vpcFilter, NextToken: token})
		if err != nil {
			return nil, fmt.Errorf("failed to describe subnets of %s: %w", vpcID, err)
		}
		subnets = append(subnets, out.Subnets...)
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		token = out.NextToken
	}

	var tables []types.RouteTable
	token = nil
	for {
		out, err := api.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{Filters: vpcFilter, NextToken: token})
		if err != nil {
			return nil, fmt.Errorf("failed to describe route tables of %s: %w", vpcID, err)
		}
		tables = append(tables, out.RouteTables...)
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		token = out.NextToken
	}

	inv := &Inventory{
		VpcID: vpcID,
		CIDR:  aws.ToString(vpcs.Vpcs[0].CidrBlock),
	}
	assoc, mainTable := indexRouteTables(tables)
	for _, s := range subnets {
		id := aws.ToString(s.SubnetId)
		rt, ok := assoc[id]
		if !ok {
			rt = mainTable
		}
		sub := Subnet{
			ID:               id,
			AvailabilityZone: aws.ToString(s.AvailabilityZone),
			CIDR:             aws.ToString(s.CidrBlock),
			Tier:             TierIsolated,
		}
		if rt != nil {
			sub.RouteTableID = aws.ToString(rt.RouteTableId)
			sub.Tier = classify(rt)
		}
		inv.Subnets = append(inv.Subnets, sub)
	}
	sort.Slice(inv.Subnets, func(i, j int) bool { return inv.Subnets[i].ID < inv.Subnets[j].ID })

	logging.Debug("resolved vpc", "vpc", vpcID, "subnets", len(inv.Subnets))
	return inv, nil
}

func indexRouteTables(tables []types.RouteTable) (map[string]*types.RouteTable, *types.RouteTable) {
	assoc := make(map[string]*types.RouteTable)
	var mainTable *types.RouteTable
	for i := range tables {
		rt := &tables[i]
		for _, a := range rt.Associations {
			if aws.ToBool(a.Main) {
				mainTable = rt
			}
			if a.SubnetId != nil {
				assoc[*a.SubnetId] = rt
			}
		}
	}
	return assoc, mainTable
}

// classify marks a subnet public when its table routes to an internet
// gateway and private when it has any other egress hop.
func classify(rt *types.RouteTable) Tier {
	tier := TierIsolated
	for _, r := range rt.Routes {
		if gw := aws.ToString(r.GatewayId); strings.HasPrefix(gw, "igw-") {
			return TierPublic
		}
		if r.NatGatewayId != nil || r.TransitGatewayId != nil || r.InstanceId != nil || r.NetworkInterfaceId != nil {
			tier = TierPrivate
		}
	}
	return tier
}

// Resolve returns the subnets of inventory whose id is in ids, in inventory
// order. Ids that match nothing are dropped.
func Resolve(ids []string, inventory []Subnet) []Subnet {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []Subnet
	for _, s := range inventory {
		if _, ok := want[s.ID]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Unmatched returns the ids absent from inventory, in the order given.
func Unmatched(ids []string, inventory []Subnet) []string {
	have := make(map[string]struct{}, len(inventory))
	for _, s := range inventory {
		have[s.ID] = struct{}{}
	}
	var out []string
	for _, id := range ids {
		if _, ok := have[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Context is a resolved VPC with its public and private subnet selections.
// It is read-only once built.
type Context struct {
	vpcID   string
	cidr    string
	public  []Subnet
	private []Subnet
}

// NewContext selects the public and private subnets of inv.
func NewContext(inv *Inventory, publicIDs, privateIDs []string) *Context {
	for _, sel := range []struct {
		kind string
		ids  []string
	}{{"public", publicIDs}, {"private", privateIDs}} {
		if missing := Unmatched(sel.ids, inv.Subnets); len(missing) > 0 {
			logging.Warn("subnet ids not found in vpc, ignoring", "vpc", inv.VpcID, "kind", sel.kind, "ids", missing)
		}
	}
	return &Context{
		vpcID:   inv.VpcID,
		cidr:    inv.CIDR,
		public:  Resolve(publicIDs, inv.Subnets),
		private: Resolve(privateIDs, inv.Subnets),
	}
}

func (c *Context) VpcID() string { return c.vpcID }

func (c *Context) CIDR() string { return c.cidr }

func (c *Context) Public() []Subnet { return append([]Subnet(nil), c.public...) }

func (c *Context) Private() []Subnet { return append([]Subnet(nil), c.private...) }

// SubnetIDs extracts ids preserving order.
func SubnetIDs(subnets []Subnet) []string {
	ids := make([]string, len(subnets))
	for i, s := range subnets {
		ids[i] = s.ID
	}
	return ids
}

// RouteTableIDs returns the distinct route tables of subnets, in first-seen order.
func RouteTableIDs(subnets []Subnet) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, s := range subnets {
		if s.RouteTableID == "" || seen[s.RouteTableID] {
			continue
		}
		seen[s.RouteTableID] = true
		ids = append(ids, s.RouteTableID)
	}
	return ids
}
