package topology

import (
	"encoding/base64"
	"fmt"

	"github.com/privacydam/deploy/internal/names"
	"github.com/privacydam/deploy/internal/network"
	"github.com/privacydam/deploy/internal/settings"
	"github.com/privacydam/deploy/internal/token"
	awsprov "github.com/privacydam/deploy/providers/aws"
)

// UserData is the instance bootstrap script in two parts.
type UserData struct {
	Preamble []byte
	Script   []byte
}

// Encode joins preamble then script and base64-encodes the result for the
// EC2 API. The bytes are passed through unchanged.
func (u UserData) Encode() string {
	if len(u.Preamble) == 0 && len(u.Script) == 0 {
		return ""
	}
	joined := make([]byte, 0, len(u.Preamble)+len(u.Script))
	joined = append(joined, u.Preamble...)
	joined = append(joined, u.Script...)
	return base64.StdEncoding.EncodeToString(joined)
}

// InstanceHandle is the declared management server.
type InstanceHandle struct {
	Name string
	ID   token.Value

	privateIP token.Value
}

// PrivateAddress is the instance's private IP. It is known only after the
// instance is running, so it is always deferred.
func (h InstanceHandle) PrivateAddress() token.Value {
	return h.privateIP
}

type computeArgs struct {
	settings settings.EC2
	imageID  string
	userData UserData
	net      *network.Context
	group    SecurityGroup
	profile  InstanceProfile
}

func declareInstance(s *Stack, args computeArgs) (InstanceHandle, error) {
	public := args.net.Public()
	if len(public) == 0 {
		return InstanceHandle{}, fmt.Errorf("no public subnet resolved in %s for %s", args.net.VpcID(), names.ManagementServer)
	}

	_, err := s.Add(awsprov.TypeInstance, names.ManagementServer, awsprov.InstanceConfig{
		ImageID:            args.imageID,
		InstanceType:       args.settings.InstanceType,
		KeyName:            args.settings.KeyName,
		SubnetID:           public[0].ID,
		SecurityGroupIDs:   []string{args.group.ID.Encode()},
		IamInstanceProfile: attr(awsprov.TypeInstanceProfile, args.profile.Name, "name").Encode(),
		UserData:           args.userData.Encode(),
		Tags:               map[string]string{"Name": names.ManagementServer},
	})
	if err != nil {
		return InstanceHandle{}, err
	}
	return InstanceHandle{
		Name:      names.ManagementServer,
		ID:        attr(awsprov.TypeInstance, names.ManagementServer, "id"),
		privateIP: attr(awsprov.TypeInstance, names.ManagementServer, "privateIp"),
	}, nil
}
