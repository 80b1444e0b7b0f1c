// Package config loads the build server configuration from a YAML file, with
// command line flags taking precedence over the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nixpig/buildworker/internal/buildmanager"
	"github.com/nixpig/buildworker/internal/buildmanager/cgroups"
	"github.com/nixpig/buildworker/internal/buildmanager/output"
	"github.com/nixpig/buildworker/internal/buildmanager/process"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Command maps a chat command to the project it builds.
type Command struct {
	Command     string `yaml:"command"`
	Project     string `yaml:"project"`
	Description string `yaml:"description"`
}

// TLS holds the paths of the mTLS material of the server.
type TLS struct {
	CertPath   string `yaml:"cert_path"`
	KeyPath    string `yaml:"key_path"`
	CACertPath string `yaml:"ca_cert_path"`
}

// Config of the build server.
type Config struct {
	GRPCAddress string `yaml:"grpc_address"`
	HTTPAddress string `yaml:"http_address"`
	// PublicURL is the base URL under which the log server is reachable by
	// requesters. Log links are only announced when it's set.
	PublicURL string `yaml:"public_url"`

	LogRoot      string `yaml:"log_root"`
	ProjectsRoot string `yaml:"projects_root"`
	Shell        string `yaml:"shell"`
	Script       string `yaml:"script"`

	JobTimeout time.Duration `yaml:"job_timeout"`
	ChunkSize  int           `yaml:"chunk_size"`
	KillGrace  time.Duration `yaml:"kill_grace"`

	// CgroupRoot enables running every build in its own cgroup under the
	// given cgroup v2 directory.
	CgroupRoot string                 `yaml:"cgroup_root"`
	Limits     cgroups.ResourceLimits `yaml:"limits"`

	TLS   TLS  `yaml:"tls"`
	Debug bool `yaml:"debug"`

	Commands []Command `yaml:"commands"`
}

// Defaults returns the configuration used for anything not set in the file
// or by flags.
func Defaults() *Config {
	return &Config{
		GRPCAddress:  "localhost:8443",
		HTTPAddress:  "localhost:3000",
		LogRoot:      "/tmp/buildworker/logs",
		ProjectsRoot: "/root/projects/staging",
		Shell:        buildmanager.DefaultShell,
		Script:       buildmanager.DefaultScript,
		JobTimeout:   buildmanager.DefaultTimeout,
		ChunkSize:    output.DefaultChunkSize,
		KillGrace:    process.DefaultKillGrace,
		TLS: TLS{
			CertPath:   "certs/server.crt",
			KeyPath:    "certs/server.key",
			CACertPath: "certs/ca.crt",
		},
		Commands: []Command{
			{
				Command:     "/build_hipmi_staging",
				Project:     "hipmi",
				Description: "Build hipmi staging",
			},
			{
				Command:     "/build_darmasaba_staging",
				Project:     "darmasaba",
				Description: "Build darmasaba staging",
			},
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults. Unknown fields are an error.
func Load(path string) (*Config, error) {
	c := Defaults()

	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	return c, nil
}

// Project returns the configured command matching command.
func (c *Config) Project(command string) (Command, bool) {
	for _, cmd := range c.Commands {
		if cmd.Command == command {
			return cmd, true
		}
	}

	return Command{}, false
}

// Validate returns the first problem found in c.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.GRPCAddress); err != nil {
		return fmt.Errorf("invalid grpc address %q: %w", c.GRPCAddress, err)
	}

	if _, _, err := net.SplitHostPort(c.HTTPAddress); err != nil {
		return fmt.Errorf("invalid http address %q: %w", c.HTTPAddress, err)
	}

	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil {
			return fmt.Errorf("invalid public url: %w", err)
		}

		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("public url must be http or https: %s", c.PublicURL)
		}
	}

	if !filepath.IsAbs(c.LogRoot) {
		return fmt.Errorf("log root must be absolute path: %s", c.LogRoot)
	}

	if !filepath.IsAbs(c.ProjectsRoot) {
		return fmt.Errorf("projects root must be absolute path: %s", c.ProjectsRoot)
	}

	if c.Shell == "" {
		return errors.New("shell cannot be empty")
	}

	if c.Script == "" {
		return errors.New("script cannot be empty")
	}

	if c.JobTimeout <= 0 {
		return fmt.Errorf("job timeout must be positive: %s", c.JobTimeout)
	}

	if c.ChunkSize < 1 || c.ChunkSize > output.MaxChunkSize {
		return fmt.Errorf(
			"chunk size must be between 1 and %d: %d",
			output.MaxChunkSize,
			c.ChunkSize,
		)
	}

	if c.KillGrace <= 0 {
		return fmt.Errorf("kill grace must be positive: %s", c.KillGrace)
	}

	if c.CgroupRoot != "" {
		if !filepath.IsAbs(c.CgroupRoot) {
			return fmt.Errorf("cgroup root must be absolute path: %s", c.CgroupRoot)
		}

		if err := cgroups.ValidateCgroupRoot(c.CgroupRoot); err != nil {
			return err
		}
	}

	if c.Limits.CPUMaxPercent < 0 || c.Limits.MemoryMaxBytes < 0 || c.Limits.IOMaxBPS < 0 {
		return errors.New("limits cannot be negative")
	}

	for name, path := range map[string]string{
		"cert-path":    c.TLS.CertPath,
		"key-path":     c.TLS.KeyPath,
		"ca-cert-path": c.TLS.CACertPath,
	} {
		if path == "" {
			return fmt.Errorf("%s cannot be empty", name)
		}

		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("failed to stat %s: %w", name, err)
		}
	}

	if len(c.Commands) == 0 {
		return errors.New("at least one command must be configured")
	}

	seen := make(map[string]bool, len(c.Commands))

	for _, cmd := range c.Commands {
		if !strings.HasPrefix(cmd.Command, "/") || strings.ContainsAny(cmd.Command, " \t\n") {
			return fmt.Errorf("invalid command %q: must start with '/' and have no spaces", cmd.Command)
		}

		if seen[cmd.Command] {
			return fmt.Errorf("duplicate command %q", cmd.Command)
		}

		seen[cmd.Command] = true

		if err := buildmanager.ValidateIdentity(cmd.Project); err != nil {
			return fmt.Errorf("command %s: project %q: %w", cmd.Command, cmd.Project, err)
		}
	}

	return nil
}

// Flags holds command line overrides of a Config.
type Flags struct {
	fs     *pflag.FlagSet
	values *Config
	path   string
}

// BindFlags registers the config flags on fs. Flag defaults are taken from
// Defaults; only flags that were set override the file.
func BindFlags(fs *pflag.FlagSet) *Flags {
	d := Defaults()
	f := &Flags{fs: fs, values: d}

	fs.StringVarP(&f.path, "config", "c", "", "Path to YAML config file")

	fs.StringVar(&d.GRPCAddress, "grpc-address", d.GRPCAddress, "gRPC server address to bind")
	fs.StringVar(&d.HTTPAddress, "http-address", d.HTTPAddress, "HTTP log server address to bind")
	fs.StringVar(&d.PublicURL, "public-url", d.PublicURL, "Public base URL of the HTTP log server")
	fs.StringVar(&d.LogRoot, "log-root", d.LogRoot, "Directory build logs are written to")
	fs.StringVar(&d.ProjectsRoot, "projects-root", d.ProjectsRoot, "Directory containing one directory per project")
	fs.StringVar(&d.Shell, "shell", d.Shell, "Shell used to run build scripts")
	fs.StringVar(&d.Script, "script", d.Script, "Build script, relative to <projects-root>/<project>/scripts")
	fs.DurationVar(&d.JobTimeout, "job-timeout", d.JobTimeout, "Maximum duration of a build")
	fs.IntVar(&d.ChunkSize, "chunk-size", d.ChunkSize, "Maximum size in bytes of a progress message")
	fs.DurationVar(&d.KillGrace, "kill-grace", d.KillGrace, "How long output is drained after a build is killed")
	fs.StringVar(&d.CgroupRoot, "cgroup-root", d.CgroupRoot, "cgroup v2 directory to run builds under (disabled if empty)")
	fs.StringVar(&d.TLS.CertPath, "server-cert", d.TLS.CertPath, "Path to server certificate")
	fs.StringVar(&d.TLS.KeyPath, "server-key", d.TLS.KeyPath, "Path to server private key")
	fs.StringVar(&d.TLS.CACertPath, "ca-cert", d.TLS.CACertPath, "Path to CA certificate")
	fs.BoolVar(&d.Debug, "debug", d.Debug, "Enable debug logs")

	return f
}

// Path returns the value of the config flag.
func (f *Flags) Path() string {
	return f.path
}

// Apply copies every flag that was set on the command line into c.
func (f *Flags) Apply(c *Config) {
	overrides := map[string]func(){
		"grpc-address":  func() { c.GRPCAddress = f.values.GRPCAddress },
		"http-address":  func() { c.HTTPAddress = f.values.HTTPAddress },
		"public-url":    func() { c.PublicURL = f.values.PublicURL },
		"log-root":      func() { c.LogRoot = f.values.LogRoot },
		"projects-root": func() { c.ProjectsRoot = f.values.ProjectsRoot },
		"shell":         func() { c.Shell = f.values.Shell },
		"script":        func() { c.Script = f.values.Script },
		"job-timeout":   func() { c.JobTimeout = f.values.JobTimeout },
		"chunk-size":    func() { c.ChunkSize = f.values.ChunkSize },
		"kill-grace":    func() { c.KillGrace = f.values.KillGrace },
		"cgroup-root":   func() { c.CgroupRoot = f.values.CgroupRoot },
		"server-cert":   func() { c.TLS.CertPath = f.values.TLS.CertPath },
		"server-key":    func() { c.TLS.KeyPath = f.values.TLS.KeyPath },
		"ca-cert":       func() { c.TLS.CACertPath = f.values.TLS.CACertPath },
		"debug":         func() { c.Debug = f.values.Debug },
	}

	f.fs.Visit(func(flag *pflag.Flag) {
		if apply, ok := overrides[flag.Name]; ok {
			apply()
		}
	})
}

// Load reads the config file named by the config flag and applies the flag
// overrides. The result is not validated.
func (f *Flags) Load() (*Config, error) {
	c, err := Load(f.path)
	if err != nil {
		return nil, err
	}

	f.Apply(c)

	return c, nil
}
