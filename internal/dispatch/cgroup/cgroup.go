package cgroup

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Cgroup represents a single job's Linux cgroup.
type Cgroup struct {
	// ID uniquely identifies the cgroup.
	ID uuid.UUID
	// Memory is the "memory.high" bytes limit. Zero means unlimited.
	Memory uint64
	// Cpus is the "cpu.max" limit, in cpu-equivalents. Zero means unlimited.
	Cpus float32

	service Service
	path    string
}

// CgroupOption mutates a Cgroup at creation time, typically passed to
// Service.CreateCgroup.
type CgroupOption func(*Cgroup)

// WithMemory applies a memory.high limit, in bytes.
func WithMemory(limit uint64) CgroupOption {
	return func(c *Cgroup) { c.Memory = limit }
}

// WithCpus applies a cpu.max limit, in cpu-equivalents (e.g. 0.5 == half a
// core).
func WithCpus(limit float32) CgroupOption {
	return func(c *Cgroup) { c.Cpus = limit }
}

type controller interface {
	enable() error
	apply() error
}

func (c Cgroup) create() error {
	if err := os.Mkdir(c.path, fileMode); err != nil {
		return fmt.Errorf("create cgroup: %w", err)
	}

	var set []controller
	if c.Memory > 0 {
		set = append(set, newMemoryController(c, c.Memory))
	}
	if c.Cpus > 0 {
		set = append(set, newCPUController(c, c.Cpus))
	}

	for _, ctl := range set {
		if err := ctl.enable(); err != nil {
			return fmt.Errorf("enable controller: %w", err)
		}
		if err := ctl.apply(); err != nil {
			return fmt.Errorf("apply controller: %w", err)
		}
	}
	return nil
}

// placePID writes pid into a fresh leaf under the cgroup. cgroup2 requires
// processes to live in leaf (no-controller-enabled) cgroups.
func (c Cgroup) placePID(pid int) error {
	leaf := uuid.New().String()
	leafPath := filepath.Join(c.path, leaf)
	if err := os.Mkdir(leafPath, fileMode); err != nil {
		return fmt.Errorf("create cgroup leaf: %w", err)
	}

	file := filepath.Join(leafPath, cgroupProcs)
	if err := os.WriteFile(file, []byte(strconv.Itoa(pid)), fileMode); err != nil {
		return fmt.Errorf("write cgroup pid: %w", err)
	}
	return nil
}

func (c Cgroup) remove() error {
	pids, err := c.readPids()
	if err != nil {
		return err
	}
	if err := c.service.placeInRootCgroup(pids); err != nil {
		return err
	}
	if err := c.removeLeaves(); err != nil {
		return err
	}
	if err := unix.Rmdir(c.path); err != nil {
		return fmt.Errorf("remove cgroup: %w", err)
	}
	return nil
}

func (c Cgroup) readPids() ([]int, error) {
	var pids []int
	if err := filepath.WalkDir(c.path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Errorf("reading cgroup pids: %s", err)
			return nil
		}
		if !d.Type().IsRegular() || d.Name() != cgroupProcs {
			return nil
		}
		leafPids, err := readLeafPids(p)
		if err != nil {
			logger.Errorf("reading leaf pids; path: %v, error: %v", p, err)
			return nil
		}
		pids = append(pids, leafPids...)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("walk cgroup.procs: %w", err)
	}
	return pids, nil
}

func (c Cgroup) removeLeaves() error {
	var leaves []string
	if err := filepath.WalkDir(c.path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Errorf("reading cgroup leaves: %v", err)
			return nil
		}
		if !d.IsDir() || p == c.path {
			return nil
		}
		leaves = append(leaves, p)
		return filepath.SkipDir
	}); err != nil {
		return fmt.Errorf("walk cgroup leaves: %w", err)
	}

	for _, leaf := range leaves {
		if err := unix.Rmdir(leaf); err != nil {
			return fmt.Errorf("rm leaf cgroup; path: %s, error: %v", leaf, err)
		}
	}
	return nil
}

func readLeafPids(path string) ([]int, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read leaf cgroup pids: %w", err)
	}
	defer fd.Close()

	var pids []int
	scanner := bufio.NewScanner(fd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("scan leaf cgroup.procs: %w", err)
		}
		pids = append(pids, pid)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan leaf cgroup.procs: %w", err)
	}
	return pids, nil
}

const (
	// cgroupProcs is the file every cgroup directory exposes listing its
	// member pids.
	cgroupProcs = "cgroup.procs"
)
