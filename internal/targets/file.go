package targets

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/alexjbarnes/token-relay/internal/errors"
	"github.com/alexjbarnes/token-relay/internal/models"
)

// envRef matches ${NAME} references. Bare $NAME is left alone so secrets
// containing a dollar sign survive expansion.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// fileTarget mirrors models.TargetConfig with a nullable enabled flag so
// an omitted key can default to true.
type fileTarget struct {
	Endpoint                    string            `yaml:"endpoint"`
	Enabled                     *bool             `yaml:"enabled"`
	AuthType                    models.AuthType   `yaml:"authType"`
	AuthData                    map[string]string `yaml:"authData"`
	Headers                     map[string]string `yaml:"headers"`
	QueryParams                 map[string]string `yaml:"queryParams"`
	IgnoreCertificateValidation bool              `yaml:"ignoreCertificateValidation"`
	TimeoutSeconds              int               `yaml:"timeoutSeconds"`
}

type fileChain struct {
	fileTarget `yaml:",inline"`
	Token      string `yaml:"token"`
}

type document struct {
	Targets map[string]fileTarget `yaml:"targets"`
	Chain   *fileChain            `yaml:"chain"`
}

// Snapshot is one parsed and validated version of the targets file.
type Snapshot struct {
	Targets map[string]models.TargetConfig
	Chain   *models.ChainTarget
}

// Parse expands ${VAR} references and decodes a targets document.
func Parse(data []byte) (*Snapshot, error) {
	expanded, err := expandEnv(data)
	if err != nil {
		return nil, err
	}

	var doc document
	if err := yaml.Unmarshal(expanded, &doc); err != nil {
		return nil, fmt.Errorf("decoding targets yaml: %w", err)
	}

	snap := &Snapshot{Targets: make(map[string]models.TargetConfig, len(doc.Targets))}

	for name, ft := range doc.Targets {
		if strings.HasPrefix(name, models.ReservedPrefix) {
			return nil, &apperrors.ConfigError{Target: name, Reason: "target names starting with " + models.ReservedPrefix + " are reserved"}
		}

		tc := ft.toConfig()
		if err := Validate(name, tc); err != nil {
			return nil, err
		}

		snap.Targets[name] = tc
	}

	if doc.Chain != nil {
		chain := &models.ChainTarget{TargetConfig: doc.Chain.toConfig(), Token: doc.Chain.Token}
		if err := validateChain(chain); err != nil {
			return nil, err
		}

		snap.Chain = chain
	}

	return snap, nil
}

// ParseFile reads and parses the targets file at path.
func ParseFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading targets file: %w", err)
	}

	return Parse(data)
}

// Validate checks the structural fields of a target. Grant and signer
// specific authData requirements are checked where they are used.
func Validate(name string, tc models.TargetConfig) error {
	if tc.Endpoint == "" {
		return apperrors.MissingField(name, "endpoint")
	}

	u, err := url.Parse(tc.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &apperrors.ConfigError{Target: name, Field: "endpoint", Reason: "must be an absolute http(s) URL"}
	}

	if !tc.AuthType.Valid() {
		return &apperrors.ConfigError{Target: name, Field: "authType", Reason: fmt.Sprintf("unsupported value %q", tc.AuthType)}
	}

	if tc.TimeoutSeconds < 0 {
		return &apperrors.ConfigError{Target: name, Field: "timeoutSeconds", Reason: "must not be negative"}
	}

	return nil
}

func validateChain(c *models.ChainTarget) error {
	if err := Validate(models.ChainTargetName, c.TargetConfig); err != nil {
		return err
	}

	if c.Token == "" {
		return apperrors.MissingField(models.ChainTargetName, "token")
	}

	return nil
}

func (ft fileTarget) toConfig() models.TargetConfig {
	enabled := true
	if ft.Enabled != nil {
		enabled = *ft.Enabled
	}

	authType := ft.AuthType
	if authType == "" {
		authType = models.AuthNone
	}

	return models.TargetConfig{
		Endpoint:                    ft.Endpoint,
		Enabled:                     enabled,
		AuthType:                    authType,
		AuthData:                    ft.AuthData,
		Headers:                     ft.Headers,
		QueryParams:                 ft.QueryParams,
		IgnoreCertificateValidation: ft.IgnoreCertificateValidation,
		TimeoutSeconds:              ft.TimeoutSeconds,
	}
}

// expandEnv replaces ${VAR} with the variable's value. An unset variable
// is an error rather than an empty string, so a missing secret is caught
// at load time.
func expandEnv(data []byte) ([]byte, error) {
	var missing []string

	out := envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := string(envRef.FindSubmatch(m)[1])

		v, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return m
		}

		return []byte(v)
	})

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: undefined environment variables: %s", apperrors.ErrInvalidConfig, strings.Join(missing, ", "))
	}

	return out, nil
}
