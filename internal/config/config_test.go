package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nixpig/buildworker/internal/buildmanager"
	"github.com/nixpig/buildworker/internal/config"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	return path
}

// validConfig returns defaults with TLS material that exists.
func validConfig(t *testing.T) *config.Config {
	t.Helper()

	c := config.Defaults()
	c.TLS.CertPath = writeFile(t, "server.crt", "cert")
	c.TLS.KeyPath = writeFile(t, "server.key", "key")
	c.TLS.CACertPath = writeFile(t, "ca.crt", "ca")

	return c
}

func TestDefaults(t *testing.T) {
	c := config.Defaults()

	assert.Equal(t, "/tmp/buildworker/logs", c.LogRoot)
	assert.Equal(t, "/root/projects/staging", c.ProjectsRoot)
	assert.Equal(t, "/bin/bash", c.Shell)
	assert.Equal(t, "build.sh", c.Script)
	assert.Equal(t, 15*time.Minute, c.JobTimeout)
	assert.Equal(t, 3000, c.ChunkSize)

	cmd, ok := c.Project("/build_hipmi_staging")
	require.True(t, ok)
	assert.Equal(t, "hipmi", cmd.Project)

	cmd, ok = c.Project("/build_darmasaba_staging")
	require.True(t, ok)
	assert.Equal(t, "darmasaba", cmd.Project)

	_, ok = c.Project("/build_unknown_staging")
	assert.False(t, ok)

	require.NoError(t, validConfig(t).Validate())
}

func TestLoad(t *testing.T) {
	t.Run("Test empty path", func(t *testing.T) {
		c, err := config.Load("")
		require.NoError(t, err)
		assert.Equal(t, config.Defaults(), c)
	})

	t.Run("Test file overrides defaults", func(t *testing.T) {
		path := writeFile(t, "config.yml", `
grpc_address: 0.0.0.0:9443
public_url: https://builds.example.com
job_timeout: 20m
chunk_size: 1500
limits:
  memory_max_bytes: 1073741824
commands:
  - command: /build_web_staging
    project: web
    description: Build web
`)

		c, err := config.Load(path)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0:9443", c.GRPCAddress)
		assert.Equal(t, "https://builds.example.com", c.PublicURL)
		assert.Equal(t, 20*time.Minute, c.JobTimeout)
		assert.Equal(t, 1500, c.ChunkSize)
		assert.Equal(t, int64(1073741824), c.Limits.MemoryMaxBytes)

		// Untouched fields keep their defaults.
		assert.Equal(t, "/bin/bash", c.Shell)

		require.Len(t, c.Commands, 1)
		assert.Equal(t, "web", c.Commands[0].Project)
	})

	t.Run("Test empty file", func(t *testing.T) {
		c, err := config.Load(writeFile(t, "config.yml", ""))
		require.NoError(t, err)
		assert.Equal(t, config.Defaults(), c)
	})

	t.Run("Test unknown field", func(t *testing.T) {
		_, err := config.Load(writeFile(t, "config.yml", "grpc_adress: x\n"))
		assert.Error(t, err)
	})

	t.Run("Test missing file", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "missing.yml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestValidate(t *testing.T) {
	scenarios := map[string]func(c *config.Config){
		"invalid grpc address": func(c *config.Config) { c.GRPCAddress = "8443" },
		"invalid http address": func(c *config.Config) { c.HTTPAddress = "" },
		"invalid public url":   func(c *config.Config) { c.PublicURL = "ftp://example.com" },
		"relative log root":    func(c *config.Config) { c.LogRoot = "logs" },
		"relative projects":    func(c *config.Config) { c.ProjectsRoot = "projects" },
		"empty shell":          func(c *config.Config) { c.Shell = "" },
		"empty script":         func(c *config.Config) { c.Script = "" },
		"zero timeout":         func(c *config.Config) { c.JobTimeout = 0 },
		"zero chunk size":      func(c *config.Config) { c.ChunkSize = 0 },
		"large chunk size":     func(c *config.Config) { c.ChunkSize = 4097 },
		"zero kill grace":      func(c *config.Config) { c.KillGrace = 0 },
		"relative cgroup root": func(c *config.Config) { c.CgroupRoot = "cgroup" },
		"not a cgroup root":    func(c *config.Config) { c.CgroupRoot = os.TempDir() },
		"negative limits":      func(c *config.Config) { c.Limits.CPUMaxPercent = -1 },
		"missing cert":         func(c *config.Config) { c.TLS.CertPath = "/nonexistent/server.crt" },
		"empty key":            func(c *config.Config) { c.TLS.KeyPath = "" },
		"no commands":          func(c *config.Config) { c.Commands = nil },
		"command without slash": func(c *config.Config) {
			c.Commands = []config.Command{{Command: "build", Project: "hipmi"}}
		},
		"duplicate command": func(c *config.Config) {
			c.Commands = append(c.Commands, c.Commands[0])
		},
		"invalid project": func(c *config.Config) {
			c.Commands = []config.Command{{Command: "/build", Project: "../etc"}}
		},
	}

	for scenario, mutate := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			c := validConfig(t)
			mutate(c)

			assert.Error(t, c.Validate())
		})
	}

	t.Run("Test invalid project wraps identity error", func(t *testing.T) {
		c := validConfig(t)
		c.Commands = []config.Command{{Command: "/build", Project: "a b"}}

		assert.ErrorIs(t, c.Validate(), buildmanager.ErrInvalidIdentity)
	})
}

func TestFlags(t *testing.T) {
	path := writeFile(t, "config.yml", `
grpc_address: 0.0.0.0:9443
http_address: 0.0.0.0:3000
job_timeout: 20m
`)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := config.BindFlags(fs)

	require.NoError(t, fs.Parse([]string{
		"--config", path,
		"--grpc-address", "127.0.0.1:7443",
		"--chunk-size", "100",
		"--debug",
	}))

	assert.Equal(t, path, flags.Path())

	c, err := flags.Load()
	require.NoError(t, err)

	// Flags win over the file.
	assert.Equal(t, "127.0.0.1:7443", c.GRPCAddress)
	assert.Equal(t, 100, c.ChunkSize)
	assert.True(t, c.Debug)

	// The file wins over flag defaults.
	assert.Equal(t, "0.0.0.0:3000", c.HTTPAddress)
	assert.Equal(t, 20*time.Minute, c.JobTimeout)
}
