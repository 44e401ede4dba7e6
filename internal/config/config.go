package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DirectModel describes a non-whitelisted model downloaded from an arbitrary URL.
type DirectModel struct {
	// URL is the direct download link to the model file.
	URL string `yaml:"url"`
	// Filename is the name the server stores the artifact under.
	Filename string `yaml:"filename"`
	// Subfolder is the target subfolder inside the remote models directory.
	Subfolder string `yaml:"subfolder"`
	// SHA256 is an optional hex-encoded checksum for integrity verification.
	SHA256 string `yaml:"sha256,omitempty"`
}

// Config holds everything a single provisioning run needs.
type Config struct {
	// APIKey authenticates against the workload-provisioning API.
	// The COMPUT3_API_KEY environment variable overrides the YAML value.
	APIKey string `yaml:"api_key"`
	// WorkloadType selects the remote workload flavor to launch.
	WorkloadType string `yaml:"workload_type"`
	// WorkloadHours is how long the workload is reserved for.
	WorkloadHours float64 `yaml:"workload_hours"`
	// Timeout is the duration for individual HTTP calls.
	Timeout time.Duration `yaml:"timeout"`
	// NodeQueries lists whitelisted node searches (full or partial names).
	NodeQueries []string `yaml:"node_queries,omitempty"`
	// ModelQueries lists whitelisted model searches (display name or filename).
	ModelQueries []string `yaml:"model_queries,omitempty"`
	// GitHubNodes lists full GitHub repository URLs of custom nodes to install.
	GitHubNodes []string `yaml:"github_nodes,omitempty"`
	// DirectModels lists non-whitelisted models installed by direct URL.
	DirectModels []DirectModel `yaml:"direct_models,omitempty"`
	// APIBase optionally overrides the provisioning API base URL.
	APIBase string `yaml:"api_base,omitempty"`
	// EndpointOverride optionally points the management client at an explicit
	// base URL instead of the one derived from the launched node name.
	// Useful against tunnelled or local instances.
	EndpointOverride string `yaml:"endpoint_override,omitempty"`
}

const (
	// DefaultConfigFilename is the default filename for provisioning settings.
	DefaultConfigFilename = "comfy-bootstrap-settings.yaml"

	// DefaultWorkloadType is the only ComfyUI workload type currently offered.
	DefaultWorkloadType = "media:fast"

	// DefaultWorkloadHours is the default workload reservation length.
	DefaultWorkloadHours = 1.0

	// DefaultTimeout is the default duration for individual HTTP calls.
	DefaultTimeout = 30 * time.Second

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600

	// EnvAPIKey is the environment variable overriding the configured API key.
	EnvAPIKey = "COMPUT3_API_KEY"

	// sha256HexLength is the length of a hex-encoded SHA-256 digest.
	sha256HexLength = 64
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errAPIKeyRequired is returned when no API key is configured.
	errAPIKeyRequired = errors.New("api key must be provided")
	// errHoursNotPositive is returned for zero or negative reservation lengths.
	errHoursNotPositive = errors.New("workload hours must be positive")
	// errDirectModelIncomplete is returned when a direct model entry misses required fields.
	errDirectModelIncomplete = errors.New("direct model requires url, filename and subfolder")
	// errBadChecksum is returned for malformed sha256 values.
	errBadChecksum = errors.New("sha256 must be 64 hex characters")
)

// Load reads configuration from the provided path and validates essential fields.
// A .env file in the working directory is honored for the API key override.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	// Pull in a .env file when present; absence is fine.
	_ = godotenv.Load()

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if key := os.Getenv(EnvAPIKey); key != "" {
		cfg.APIKey = key
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes settings to the provided path with restrictive permissions.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions: the file carries an API key.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings for required fields and formatting,
// filling defaults where values were omitted.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if strings.TrimSpace(cfg.APIKey) == "" {
		return errAPIKeyRequired
	}

	if cfg.WorkloadType == "" {
		cfg.WorkloadType = DefaultWorkloadType
	}

	if cfg.WorkloadHours == 0 {
		cfg.WorkloadHours = DefaultWorkloadHours
	}

	if cfg.WorkloadHours < 0 {
		return errHoursNotPositive
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	for _, base := range []string{cfg.APIBase, cfg.EndpointOverride} {
		if base == "" {
			continue
		}

		if _, err := url.ParseRequestURI(base); err != nil {
			return fmt.Errorf("invalid base URL %q: %w", base, err)
		}
	}

	for _, repo := range cfg.GitHubNodes {
		if _, err := url.ParseRequestURI(repo); err != nil {
			return fmt.Errorf("invalid github repository URL %q: %w", repo, err)
		}
	}

	for i := range cfg.DirectModels {
		if err := validateDirectModel(&cfg.DirectModels[i]); err != nil {
			return err
		}
	}

	return nil
}

// validateDirectModel checks a single non-whitelisted model entry.
func validateDirectModel(m *DirectModel) error {
	if m.URL == "" || m.Filename == "" || m.Subfolder == "" {
		return fmt.Errorf("%w: %+v", errDirectModelIncomplete, *m)
	}

	if _, err := url.ParseRequestURI(m.URL); err != nil {
		return fmt.Errorf("invalid model URL %q: %w", m.URL, err)
	}

	m.SHA256 = strings.ToLower(strings.TrimSpace(m.SHA256))
	if m.SHA256 == "" {
		return nil
	}

	if len(m.SHA256) != sha256HexLength {
		return fmt.Errorf("%w: %q", errBadChecksum, m.SHA256)
	}

	if _, err := hex.DecodeString(m.SHA256); err != nil {
		return fmt.Errorf("%w: %q", errBadChecksum, m.SHA256)
	}

	return nil
}

// Starter returns a template configuration for the `init` subcommand.
func Starter() *Config {
	return &Config{
		APIKey:        "c3_api_...",
		WorkloadType:  DefaultWorkloadType,
		WorkloadHours: DefaultWorkloadHours,
		Timeout:       DefaultTimeout,
	}
}
