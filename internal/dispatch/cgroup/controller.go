package cgroup

import (
	"fmt"
	"os"
	"path"
	"strconv"

	"github.com/pkg/errors"
)

// newCPUController creates a controller that applies a cpu.max limit.
func newCPUController(cg Cgroup, cpus float32) *cpuController {
	return &cpuController{baseController: baseController{name: cpu, cgroup: cg}, cpus: cpus}
}

// cpuController enables and applies the "cpu.max" control.
type cpuController struct {
	baseController
	cpus float32
}

func (c cpuController) apply() error {
	const period = 100000
	limit := c.cpus * period
	value := fmt.Sprintf("%d %d", int(limit), period)
	return errors.Wrap(c.baseController.apply(cpuMax, value), "apply cpu.max")
}

// newMemoryController creates a controller that applies a memory.high
// limit.
func newMemoryController(cg Cgroup, limit uint64) *memoryController {
	return &memoryController{baseController: baseController{name: memory, cgroup: cg}, limit: limit}
}

// memoryController enables and applies the "memory.high" control.
type memoryController struct {
	baseController
	limit uint64
}

func (c memoryController) apply() error {
	value := strconv.FormatUint(c.limit, 10)
	return errors.Wrap(c.baseController.apply(memoryHigh, value), "apply memory.high")
}

// baseController owns the enable/apply mechanics shared by every
// controller.
type baseController struct {
	name   string
	cgroup Cgroup
}

func (c baseController) enable() error {
	file := path.Join(c.cgroup.path, cgroupSubtreeControl)
	fd, err := os.OpenFile(file, os.O_WRONLY, fileMode)
	if err != nil {
		return errors.Wrap(err, "open subtree_control")
	}
	defer fd.Close()

	_, err = fd.WriteString(fmt.Sprintf("+%s\n", c.name))
	return errors.Wrap(err, "write subtree_control")
}

func (c baseController) apply(control, value string) error {
	file := path.Join(c.cgroup.path, control)
	fd, err := os.OpenFile(file, os.O_WRONLY, fileMode)
	if err != nil {
		return errors.Wrap(err, "open control")
	}
	defer fd.Close()

	_, err = fd.WriteString(value)
	return errors.Wrap(err, "write control")
}

const (
	// cgroupSubtreeControl is the file listing controllers enabled for a
	// cgroup's children.
	cgroupSubtreeControl = "cgroup.subtree_control"
	cpu                  = "cpu"
	memory               = "memory"
	io                   = "io"
	memoryHigh           = "memory.high"
	cpuMax               = "cpu.max"
)
