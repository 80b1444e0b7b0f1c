// Package cgroups places build processes in their own cgroup v2 group so that
// resource limits apply to the whole build and the whole build can be killed
// at once, including descendants that left the process group.
package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	cpuPeriodMicros = 100000
	procMountinfo   = "/proc/self/mountinfo"
	groupPrefix     = "buildworker-"
)

// ResourceLimits applied to a build. Zero values mean unlimited.
type ResourceLimits struct {
	CPUMaxPercent  int64 `yaml:"cpu_max_percent"`
	MemoryMaxBytes int64 `yaml:"memory_max_bytes"`
	IOMaxBPS       int64 `yaml:"io_max_bps"`
}

// IsZero reports whether no limit is set.
func (l *ResourceLimits) IsZero() bool {
	return l == nil ||
		(l.CPUMaxPercent == 0 && l.MemoryMaxBytes == 0 && l.IOMaxBPS == 0)
}

// Cgroup is a cgroup v2 directory created for a single build run.
type Cgroup struct {
	name string
	path string
	fd   *os.File
}

// CreateCgroup creates the group <root>/buildworker-<name>, applies limits
// and opens the directory so a process can be started directly inside it.
func CreateCgroup(root, name string, limits *ResourceLimits) (*Cgroup, error) {
	cg := &Cgroup{
		name: name,
		path: filepath.Join(root, groupPrefix+name),
	}

	if err := os.MkdirAll(cg.path, 0755); err != nil {
		return nil, fmt.Errorf("make cgroup dir: %w", err)
	}

	if !limits.IsZero() {
		if err := cg.applyLimits(limits); err != nil {
			os.RemoveAll(cg.path)
			return nil, fmt.Errorf("apply cgroup limits: %w", err)
		}
	}

	fd, err := os.Open(cg.path)
	if err != nil {
		os.RemoveAll(cg.path)
		return nil, fmt.Errorf("open cgroup dir: %w", err)
	}

	cg.fd = fd

	return cg, nil
}

func (c *Cgroup) applyLimits(limits *ResourceLimits) error {
	if limits.CPUMaxPercent > 0 {
		if err := c.setCPULimit(limits.CPUMaxPercent); err != nil {
			return fmt.Errorf("set CPU max limit: %w", err)
		}
	}

	if limits.MemoryMaxBytes > 0 {
		if err := c.setMemoryLimit(limits.MemoryMaxBytes); err != nil {
			return fmt.Errorf("set memory max limit: %w", err)
		}
	}

	if limits.IOMaxBPS > 0 {
		if err := c.setIOLimit(limits.IOMaxBPS); err != nil {
			return fmt.Errorf("set I/O max limit: %w", err)
		}
	}

	return nil
}

func (c *Cgroup) setCPULimit(percent int64) error {
	quota := (percent * cpuPeriodMicros) / 100
	value := fmt.Sprintf("%d %d", quota, cpuPeriodMicros)

	return c.write("cpu.max", value)
}

func (c *Cgroup) setMemoryLimit(bytes int64) error {
	return c.write("memory.max", strconv.FormatInt(bytes, 10))
}

func (c *Cgroup) setIOLimit(bps int64) error {
	deviceID, err := detectRootDevice()
	if err != nil {
		return fmt.Errorf("detect root device: %w", err)
	}

	return c.write("io.max", fmt.Sprintf("%s rbps=%d wbps=%d", deviceID, bps, bps))
}

// Kill kills every process in the group.
func (c *Cgroup) Kill() error {
	return c.write("cgroup.kill", "1")
}

// Destroy closes the group's directory handle and removes the group. The
// group must be empty for the removal to succeed on a real cgroup mount.
func (c *Cgroup) Destroy() error {
	// Ignore error and just go ahead and remove.
	c.close()

	if err := os.RemoveAll(c.path); err != nil {
		return fmt.Errorf("remove cgroup: %w", err)
	}

	return nil
}

func (c *Cgroup) write(file, value string) error {
	if err := os.WriteFile(filepath.Join(c.path, file), []byte(value), 0644); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}

	return nil
}

func (c *Cgroup) close() error {
	if c.fd != nil {
		err := c.fd.Close()

		c.fd = nil

		if err != nil {
			return fmt.Errorf("close cgroup fd: %w", err)
		}
	}

	return nil
}

// FD returns the open directory of the group, for use with
// SysProcAttr.CgroupFD.
func (c *Cgroup) FD() *os.File {
	return c.fd
}

func (c *Cgroup) Name() string {
	return c.name
}

func (c *Cgroup) Path() string {
	return c.path
}

func detectRootDevice() (string, error) {
	mountinfo, err := os.ReadFile(procMountinfo)
	if err != nil {
		return "", fmt.Errorf("read mountinfo: %w", err)
	}

	for line := range strings.SplitSeq(string(mountinfo), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}

		if fields[4] == "/" {
			return fields[2], nil
		}
	}

	return "", fmt.Errorf("detect root device in %s", procMountinfo)
}

// ValidateCgroupRoot checks that root is a cgroup v2 directory.
func ValidateCgroupRoot(root string) error {
	controllersPath := filepath.Join(root, "cgroup.controllers")
	if _, err := os.Stat(controllersPath); err != nil {
		return fmt.Errorf("cgroup root not valid at %s: %w", root, err)
	}

	return nil
}
