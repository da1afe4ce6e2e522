// Package cgroup provides best-effort Linux cgroup v2 confinement for
// dispatch job processes. Every operation here requires root and a
// cgroup2-capable host; callers treat failure as non-fatal (see
// process.WithCgroup).
package cgroup

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/relaypool/dispatch/internal/log"
)

var logger = log.New(os.Stdout, "cgroup")

// NewService creates a Service, mounting (or attaching to an already
// mounted) cgroup2 hierarchy and enabling the cpu, memory and io
// controllers.
func NewService(options ...ServiceOption) (*Service, error) {
	s := &Service{mountPath: mountPath}
	for _, option := range options {
		option(s)
	}
	s.path = path.Join(s.mountPath, base)

	if err := s.mount(); err != nil {
		return nil, err
	}
	if err := s.enableControllers([]string{cpu, memory, io}); err != nil {
		return nil, err
	}
	return s, nil
}

// Service facilitates cgroup v2 interactions for a single dispatch
// scheduler process.
type Service struct {
	mountPath string
	path      string
}

// ServiceOption mutates a Service at construction time.
type ServiceOption func(*Service)

// WithMountPath configures the Service to mount cgroup2 at mountPath
// instead of the default /sys/fs/cgroup.
func WithMountPath(mountPath string) ServiceOption {
	return func(s *Service) { s.mountPath = mountPath }
}

// CreateCgroup creates a new per-job Cgroup under the Service's base
// directory.
func (s Service) CreateCgroup(options ...CgroupOption) (*Cgroup, error) {
	id := uuid.New()
	cg := &Cgroup{
		ID:      id,
		service: s,
		path:    path.Join(s.path, id.String()),
	}
	for _, option := range options {
		option(cg)
	}
	if err := cg.create(); err != nil {
		return nil, err
	}
	return cg, nil
}

// PlaceInCgroup moves pid into cg.
func (s Service) PlaceInCgroup(cg Cgroup, pid int) error {
	return cg.placePID(pid)
}

// RemoveCgroup tears down the cgroup uniquely identified by id, moving any
// remaining pids back to the root cgroup first (required by cgroup2 before
// an rmdir will succeed).
func (s Service) RemoveCgroup(id uuid.UUID) error {
	cg := Cgroup{ID: id, service: s, path: path.Join(s.path, id.String())}
	return cg.remove()
}

// Cleanup removes every dispatch cgroup still present under the Service's
// base directory and then unmounts the cgroup2 filesystem at the mount
// path. The Service does not record whether it performed the mount, so the
// unmount is attempted even for a hierarchy that was already mounted. Call
// once per scheduler process, on shutdown.
func (s Service) Cleanup() error {
	if err := s.cleanup(); err != nil {
		return err
	}
	return s.unmount()
}

func (s Service) mount() error {
	if err := os.MkdirAll(s.mountPath, fileMode); err != nil {
		return fmt.Errorf("mount service %s: %w", s.mountPath, err)
	}

	entries, err := os.ReadDir(s.mountPath)
	if err != nil || len(entries) == 0 {
		if err := unix.Mount("none", s.mountPath, "cgroup2", 0, ""); err != nil {
			return fmt.Errorf("mount cgroup2 %s: %w", s.mountPath, err)
		}
	}

	if err := os.MkdirAll(s.path, fileMode); err != nil {
		return fmt.Errorf("create dispatch base cgroup: %w", err)
	}
	return nil
}

func (s Service) unmount() error {
	if err := unix.Unmount(s.mountPath, 0); err != nil {
		return fmt.Errorf("unmount cgroup2: %w", err)
	}
	return nil
}

func (s Service) cleanup() error {
	var cgroups []uuid.UUID
	if err := filepath.WalkDir(s.path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Errorf("cleanup walk: %s", err)
			return nil
		}
		if !d.Type().IsRegular() || d.Name() != cgroupProcs {
			return nil
		}
		parts := strings.Split(strings.TrimPrefix(p, s.mountPath), string(filepath.Separator))
		// expect: "", base, <cgroup-id>, cgroup.procs
		if len(parts) != 4 {
			return nil
		}
		id, err := uuid.Parse(parts[2])
		if err != nil {
			return nil
		}
		cgroups = append(cgroups, id)
		return nil
	}); err != nil {
		return fmt.Errorf("cleanup dispatch cgroup: %w", err)
	}

	for _, id := range cgroups {
		if err := s.RemoveCgroup(id); err != nil {
			return err
		}
	}
	if err := unix.Rmdir(s.path); err != nil {
		return fmt.Errorf("rm dispatch cgroup: %w", err)
	}
	return nil
}

// placeInRootCgroup moves pids back to the root cgroup; required before a
// non-root cgroup directory may be removed.
func (s Service) placeInRootCgroup(pids []int) error {
	file := path.Join(s.mountPath, cgroupProcs)
	fd, err := os.OpenFile(file, os.O_WRONLY, fileMode)
	if err != nil {
		return fmt.Errorf("open root cgroup: %w", err)
	}
	defer fd.Close()

	for _, pid := range pids {
		if _, err := fd.WriteString(strconv.Itoa(pid)); err != nil {
			return fmt.Errorf("write root cgroup: %w", err)
		}
	}
	return nil
}

func (s Service) enableControllers(controllers []string) error {
	if err := enableControllers(s.mountPath, controllers); err != nil {
		return err
	}
	return enableControllers(s.path, controllers)
}

func enableControllers(dir string, controllers []string) error {
	fd, err := os.OpenFile(path.Join(dir, cgroupSubtreeControl), os.O_WRONLY, fileMode)
	if err != nil {
		return fmt.Errorf("open %s subtree_control: %w", dir, err)
	}
	defer fd.Close()

	for _, c := range controllers {
		if _, err := fd.WriteString(fmt.Sprintf("+%s", c)); err != nil {
			return fmt.Errorf("enable %s %s controller: %w", dir, c, err)
		}
	}
	return nil
}

const (
	fileMode = 0644
	// mountPath is the default location the cgroup2 filesystem is mounted.
	mountPath = "/sys/fs/cgroup"
	// base is the directory name dispatch cgroups live under.
	base = "dispatch"
)
