package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"sigs.k8s.io/yaml"
)

const (
	schemeSecretsManager = "secretsmanager://"
	schemeSSM            = "ssm://"
)

// Credentials are the database login used to build the DSN.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Database string `json:"database"`
}

// LogValue keeps credentials out of log output.
func (c Credentials) LogValue() slog.Value {
	return slog.StringValue("[redacted]")
}

func (c Credentials) String() string {
	return "[redacted]"
}

// SecretStore fetches secret material from AWS.
type SecretStore interface {
	SecretString(ctx context.Context, id string) (string, error)
	Parameter(ctx context.Context, name string) (string, error)
}

// LoadCredentials reads credentials from source. A source is a file path,
// secretsmanager://<secret-id> or ssm://<parameter-name>.
func LoadCredentials(ctx context.Context, source string, store SecretStore) (Credentials, error) {
	var raw []byte
	switch {
	case strings.HasPrefix(source, schemeSecretsManager), strings.HasPrefix(source, schemeSSM):
		if store == nil {
			return Credentials{}, fmt.Errorf("%w: %s: no secret store configured", ErrUnreadable, source)
		}
		var (
			s   string
			err error
		)
		if id, ok := strings.CutPrefix(source, schemeSecretsManager); ok {
			s, err = store.SecretString(ctx, id)
		} else {
			s, err = store.Parameter(ctx, strings.TrimPrefix(source, schemeSSM))
		}
		if err != nil {
			return Credentials{}, fmt.Errorf("%w: %s: %v", ErrUnreadable, source, err)
		}
		raw = []byte(s)
	default:
		data, err := os.ReadFile(source)
		if err != nil {
			return Credentials{}, fmt.Errorf("%w: %s: %v", ErrUnreadable, source, err)
		}
		raw = data
	}

	jsonData, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return Credentials{}, fmt.Errorf("parse credentials %s: %w", source, err)
	}
	dec := json.NewDecoder(strings.NewReader(string(jsonData)))
	dec.DisallowUnknownFields()
	var c Credentials
	if err := dec.Decode(&c); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials %s: %w", source, err)
	}

	var missing []string
	for _, f := range []struct{ name, value string }{
		{"username", c.Username}, {"password", c.Password}, {"database", c.Database},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return Credentials{}, fmt.Errorf("credentials %s: missing %s", source, strings.Join(missing, ", "))
	}
	return c, nil
}
