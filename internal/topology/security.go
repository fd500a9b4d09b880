package topology

import (
	"fmt"

	"github.com/privacydam/deploy/internal/names"
	"github.com/privacydam/deploy/internal/token"
	awsprov "github.com/privacydam/deploy/providers/aws"
)

// Template selects one of the fixed security group rule sets.
type Template string

const (
	TemplateManagement           Template = "management"
	TemplateProcessAPI           Template = "process-api"
	TemplatePrivateCommunication Template = "private-communication"
)

// Peer is the source of an ingress rule.
type Peer string

const (
	PeerAnyIPv4 Peer = "0.0.0.0/0"
	PeerSelf    Peer = "self"
)

// Rule is one ingress rule of a policy.
type Rule struct {
	Peer        Peer
	Protocol    string
	FromPort    int32
	ToPort      int32
	Description string
}

func tcp(peer Peer, port int32, description string) Rule {
	return Rule{Peer: peer, Protocol: "tcp", FromPort: port, ToPort: port, Description: description}
}

var templates = map[Template][]Rule{
	TemplateManagement: {
		tcp(PeerAnyIPv4, 22, "Allow SSH access from internet [using privacyDAM]"),
		tcp(PeerAnyIPv4, 3306, "Allow Mysql(port 3306) access from internet [using privacyDAM]"),
		tcp(PeerAnyIPv4, 4000, "Allow TCP(port 4000) access from internet [using privacyDAM]"),
		tcp(PeerAnyIPv4, 4001, "Allow TCP(port 4001) access from internet [using privacyDAM]"),
	},
	TemplateProcessAPI: {
		tcp(PeerAnyIPv4, 4000, "Allow TCP(port 4000) access from outside [Using privacyDAM]"),
	},
	TemplatePrivateCommunication: {
		{Peer: PeerSelf, Protocol: "tcp", FromPort: 0, ToPort: 65535, Description: "For communication in private [using privacyDAM]"},
	},
}

// SecurityPolicy is a named rule set built from a template. It cannot be
// changed once built.
type SecurityPolicy struct {
	name     string
	vpcID    string
	template Template
	ingress  []Rule
}

// NewSecurityPolicy builds the policy for template in vpcID.
func NewSecurityPolicy(template Template, name, vpcID string) (*SecurityPolicy, error) {
	rules, ok := templates[template]
	if !ok {
		return nil, fmt.Errorf("unknown security policy template %q", template)
	}
	return &SecurityPolicy{
		name:     name,
		vpcID:    vpcID,
		template: template,
		ingress:  append([]Rule(nil), rules...),
	}, nil
}

func (p *SecurityPolicy) Name() string { return p.name }

func (p *SecurityPolicy) VpcID() string { return p.vpcID }

func (p *SecurityPolicy) Template() Template { return p.template }

// Ingress returns a copy of the ingress rules in order.
func (p *SecurityPolicy) Ingress() []Rule { return append([]Rule(nil), p.ingress...) }

// AllowAllOutbound is true for every template.
func (p *SecurityPolicy) AllowAllOutbound() bool { return true }

func (p *SecurityPolicy) groupConfig() awsprov.SecurityGroupConfig {
	cfg := awsprov.SecurityGroupConfig{
		Name:             p.name,
		Description:      fmt.Sprintf("Security group for %s generated by privacyDAM", p.template),
		VpcID:            p.vpcID,
		AllowAllOutbound: p.AllowAllOutbound(),
	}
	for _, r := range p.ingress {
		rule := awsprov.IngressRule{
			Protocol:    r.Protocol,
			FromPort:    r.FromPort,
			ToPort:      r.ToPort,
			Description: r.Description,
		}
		if r.Peer == PeerSelf {
			rule.Self = true
		} else {
			rule.CidrIPv4 = string(r.Peer)
		}
		cfg.Ingress = append(cfg.Ingress, rule)
	}
	return cfg
}

// SecurityGroup is a declared policy and the id it gets at apply.
type SecurityGroup struct {
	Policy *SecurityPolicy
	ID     token.Value
}

func declareSecurityGroup(s *Stack, p *SecurityPolicy) (SecurityGroup, error) {
	if _, err := s.Add(awsprov.TypeSecurityGroup, p.name, p.groupConfig()); err != nil {
		return SecurityGroup{}, err
	}
	return SecurityGroup{Policy: p, ID: attr(awsprov.TypeSecurityGroup, p.name, "id")}, nil
}

// SecurityGroups are the three groups of a deployment.
type SecurityGroups struct {
	Management  SecurityGroup
	ProcessAPI  SecurityGroup
	PrivateComm SecurityGroup
}

func declareSecurityGroups(s *Stack, vpcID string) (SecurityGroups, error) {
	var out SecurityGroups
	for _, g := range []struct {
		template Template
		name     string
		into     *SecurityGroup
	}{
		{TemplateManagement, names.SecurityGroupManagement, &out.Management},
		{TemplateProcessAPI, names.SecurityGroupProcessAPI, &out.ProcessAPI},
		{TemplatePrivateCommunication, names.SecurityGroupPrivateComm, &out.PrivateComm},
	} {
		p, err := NewSecurityPolicy(g.template, g.name, vpcID)
		if err != nil {
			return SecurityGroups{}, err
		}
		if *g.into, err = declareSecurityGroup(s, p); err != nil {
			return SecurityGroups{}, err
		}
	}
	return out, nil
}
