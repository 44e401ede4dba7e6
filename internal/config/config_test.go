package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestValidate checks required fields and format validations for settings.
func TestValidate(t *testing.T) {
	t.Parallel()

	// Missing API key.
	cfg := new(Config)

	err := Validate(cfg)
	require.Error(t, err)

	// Defaults are filled in.
	cfg = &Config{APIKey: "c3_api_test"}
	require.NoError(t, Validate(cfg))
	require.Equal(t, DefaultWorkloadType, cfg.WorkloadType)
	require.InEpsilon(t, DefaultWorkloadHours, cfg.WorkloadHours, 1e-9)
	require.Equal(t, DefaultTimeout, cfg.Timeout)

	// Negative reservation length.
	cfg = &Config{
		APIKey:        "c3_api_test",
		WorkloadHours: -1,
	}

	err = Validate(cfg)
	require.Error(t, err)

	// Bad github URL.
	cfg = &Config{
		APIKey:      "c3_api_test",
		GitHubNodes: []string{"not a url"},
	}

	err = Validate(cfg)
	require.Error(t, err)
}

// TestValidate_DirectModels exercises the non-whitelisted model entry checks.
func TestValidate_DirectModels(t *testing.T) {
	t.Parallel()

	// Missing subfolder.
	cfg := &Config{
		APIKey: "c3_api_test",
		DirectModels: []DirectModel{
			{URL: "https://example.com/m.safetensors", Filename: "m.safetensors"},
		},
	}
	require.Error(t, Validate(cfg))

	// Malformed checksum.
	cfg = &Config{
		APIKey: "c3_api_test",
		DirectModels: []DirectModel{
			{
				URL:       "https://example.com/m.safetensors",
				Filename:  "m.safetensors",
				Subfolder: "loras",
				SHA256:    "abc",
			},
		},
	}
	require.Error(t, Validate(cfg))

	// Valid checksum is normalized to lowercase.
	sum := strings.Repeat("AB", 32)
	cfg = &Config{
		APIKey: "c3_api_test",
		DirectModels: []DirectModel{
			{
				URL:       "https://example.com/m.safetensors",
				Filename:  "m.safetensors",
				Subfolder: "loras",
				SHA256:    sum,
			},
		},
	}
	require.NoError(t, Validate(cfg))
	require.Equal(t, strings.ToLower(sum), cfg.DirectModels[0].SHA256)
}

// TestSaveLoadRoundtrip ensures settings are persisted and loaded back correctly.
func TestSaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")

	cfg := &Config{
		APIKey:        "c3_api_test",
		WorkloadType:  "media:fast",
		WorkloadHours: 2.5,
		Timeout:       10 * time.Second,
		NodeQueries:   []string{"ComfyUI Impact Pack"},
		DirectModels: []DirectModel{
			{
				URL:       "https://example.com/m.safetensors",
				Filename:  "m.safetensors",
				Subfolder: "diffusion_models",
			},
		},
	}

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.APIKey, loaded.APIKey)
	require.Equal(t, cfg.NodeQueries, loaded.NodeQueries)
	require.Equal(t, cfg.DirectModels, loaded.DirectModels)
	require.InEpsilon(t, cfg.WorkloadHours, loaded.WorkloadHours, 1e-9)
}

// TestLoad_EnvOverride verifies that the environment API key wins over YAML.
func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")

	require.NoError(t, Save(path, &Config{APIKey: "c3_api_from_yaml"}))

	t.Setenv(EnvAPIKey, "c3_api_from_env")

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "c3_api_from_env", loaded.APIKey)
}
