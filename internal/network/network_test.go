package network

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEC2 struct {
	vpcs    []types.Vpc
	vpcErr  error
	subnets [][]types.Subnet // pages
	tables  []types.RouteTable
	calls   int
}

func (f *fakeEC2) DescribeVpcs(ctx context.Context, in *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	f.calls++
	if f.vpcErr != nil {
		return nil, f.vpcErr
	}
	return &ec2.DescribeVpcsOutput{Vpcs: f.vpcs}, nil
}

func (f *fakeEC2) DescribeSubnets(ctx context.Context, in *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	f.calls++
	page := 0
	if in.NextToken != nil {
		page = len(*in.NextToken)
	}
	out := &ec2.DescribeSubnetsOutput{Subnets: f.subnets[page]}
	if page+1 < len(f.subnets) {
		next := string(make([]byte, page+1))
		out.NextToken = &next
	}
	return out, nil
}

func (f *fakeEC2) DescribeRouteTables(ctx context.Context, in *ec2.DescribeRouteTablesInput, _ ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error) {
	f.calls++
	return &ec2.DescribeRouteTablesOutput{RouteTables: f.tables}, nil
}

func subnet(id, az string) types.Subnet {
	return types.Subnet{SubnetId: aws.String(id), AvailabilityZone: aws.String(az), CidrBlock: aws.String("10.0.0.0/24")}
}

func sampleEC2() *fakeEC2 {
	return &fakeEC2{
		vpcs: []types.Vpc{{VpcId: aws.String("vpc-1"), CidrBlock: aws.String("10.0.0.0/16")}},
		subnets: [][]types.Subnet{
			{subnet("subnet-c", "a"), subnet("subnet-a", "a")},
			{subnet("subnet-b", "b"), subnet("subnet-d", "b")},
		},
		tables: []types.RouteTable{
			{
				RouteTableId: aws.String("rtb-main"),
				Associations: []types.RouteTableAssociation{{Main: aws.Bool(true)}},
				Routes:       []types.Route{{GatewayId: aws.String("local")}},
			},
			{
				RouteTableId: aws.String("rtb-public"),
				Associations: []types.RouteTableAssociation{{SubnetId: aws.String("subnet-a")}},
				Routes:       []types.Route{{GatewayId: aws.String("local")}, {GatewayId: aws.String("igw-123")}},
			},
			{
				RouteTableId: aws.String("rtb-private"),
				Associations: []types.RouteTableAssociation{{SubnetId: aws.String("subnet-b")}, {SubnetId: aws.String("subnet-c")}},
				Routes:       []types.Route{{GatewayId: aws.String("local")}, {NatGatewayId: aws.String("nat-1")}},
			},
		},
	}
}

func TestLookupClassifiesSubnets(t *testing.T) {
	inv, err := Lookup(context.Background(), sampleEC2(), "vpc-1")
	require.NoError(t, err)

	assert.Equal(t, "vpc-1", inv.VpcID)
	assert.Equal(t, "10.0.0.0/16", inv.CIDR)
	require.Len(t, inv.Subnets, 4)
	assert.Equal(t, []string{"subnet-a", "subnet-b", "subnet-c", "subnet-d"}, SubnetIDs(inv.Subnets))

	tiers := map[string]Tier{}
	rts := map[string]string{}
	for _, s := range inv.Subnets {
		tiers[s.ID] = s.Tier
		rts[s.ID] = s.RouteTableID
	}
	assert.Equal(t, TierPublic, tiers["subnet-a"])
	assert.Equal(t, TierPrivate, tiers["subnet-b"])
	assert.Equal(t, TierPrivate, tiers["subnet-c"])
	assert.Equal(t, TierIsolated, tiers["subnet-d"])
	assert.Equal(t, "rtb-main", rts["subnet-d"])

	assert.Equal(t, []string{"subnet-a"}, SubnetIDs(inv.ByTier(TierPublic)))
}

func TestLookupVpcNotFound(t *testing.T) {
	t.Run("empty result", func(t *testing.T) {
		f := sampleEC2()
		f.vpcs = nil
		_, err := Lookup(context.Background(), f, "vpc-1")
		require.ErrorIs(t, err, ErrVpcNotFound)
	})

	t.Run("api error code", func(t *testing.T) {
		f := sampleEC2()
		f.vpcErr = &smithy.GenericAPIError{Code: "InvalidVpcID.NotFound", Message: "nope"}
		_, err := Lookup(context.Background(), f, "vpc-x")
		require.ErrorIs(t, err, ErrVpcNotFound)
	})

	t.Run("other error", func(t *testing.T) {
		f := sampleEC2()
		f.vpcErr = errors.New("access denied")
		_, err := Lookup(context.Background(), f, "vpc-1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrVpcNotFound)
		assert.Contains(t, err.Error(), "access denied")
	})

	t.Run("empty id", func(t *testing.T) {
		f := sampleEC2()
		_, err := Lookup(context.Background(), f, "")
		require.ErrorIs(t, err, ErrVpcNotFound)
		assert.Zero(t, f.calls)
	})
}

func inventory(ids ...string) []Subnet {
	out := make([]Subnet, len(ids))
	for i, id := range ids {
		out[i] = Subnet{ID: id}
	}
	return out
}

func TestResolve(t *testing.T) {
	inv := inventory("s-1", "s-2", "s-3", "s-4")

	tests := []struct {
		name string
		ids  []string
		want []string
	}{
		{"all", []string{"s-1", "s-2", "s-3", "s-4"}, []string{"s-1", "s-2", "s-3", "s-4"}},
		{"keeps inventory order", []string{"s-4", "s-1"}, []string{"s-1", "s-4"}},
		{"drops unknown", []string{"s-9", "s-2"}, []string{"s-2"}},
		{"duplicates collapse", []string{"s-3", "s-3"}, []string{"s-3"}},
		{"none", nil, []string{}},
		{"only unknown", []string{"x"}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SubnetIDs(Resolve(tt.ids, inv))
			assert.Equal(t, tt.want, got)
		})
	}
}

// Exhaustive check over every subset of a small id universe.
func TestResolveSubsetProperty(t *testing.T) {
	universe := []string{"s-1", "s-2", "s-3", "x-1", "x-2"}
	inv := inventory("s-3", "s-1", "s-2")

	for mask := 0; mask < 1<<len(universe); mask++ {
		var ids []string
		for i, id := range universe {
			if mask&(1<<i) != 0 {
				ids = append(ids, id)
			}
		}
		got := Resolve(ids, inv)

		requested := map[string]bool{}
		for _, id := range ids {
			requested[id] = true
		}
		var want []string
		for _, s := range inv {
			if requested[s.ID] {
				want = append(want, s.ID)
			}
		}
		assert.Equal(t, len(want), len(got), "mask %b", mask)
		for i := range got {
			assert.Equal(t, want[i], got[i].ID, "mask %b", mask)
		}
	}
}

func TestUnmatched(t *testing.T) {
	inv := inventory("s-1", "s-2")
	assert.Equal(t, []string{"x", "y"}, Unmatched([]string{"x", "s-1", "y"}, inv))
	assert.Empty(t, Unmatched([]string{"s-2"}, inv))
}

func TestNewContext(t *testing.T) {
	inv := &Inventory{
		VpcID:   "vpc-1",
		CIDR:    "10.0.0.0/16",
		Subnets: []Subnet{{ID: "s-1", RouteTableID: "rt-1"}, {ID: "s-2", RouteTableID: "rt-2"}, {ID: "s-3", RouteTableID: "rt-2"}},
	}
	c := NewContext(inv, []string{"s-1", "missing"}, []string{"s-3", "s-2"})

	assert.Equal(t, "vpc-1", c.VpcID())
	assert.Equal(t, "10.0.0.0/16", c.CIDR())
	assert.Equal(t, []string{"s-1"}, SubnetIDs(c.Public()))
	assert.Equal(t, []string{"s-2", "s-3"}, SubnetIDs(c.Private()))
	assert.Equal(t, []string{"rt-2"}, RouteTableIDs(c.Private()))

	pub := c.Public()
	pub[0].ID = "mutated"
	assert.Equal(t, "s-1", c.Public()[0].ID)
}
