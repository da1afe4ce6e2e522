// Package wire defines the bus protocol's JSON frame shapes: the envelope
// producers and schedulers register and submit jobs with, and the raw
// payload shape schedulers receive after the bus strips the envelope.
package wire

import (
	"encoding/json"
	"time"

	"github.com/relaypool/dispatch/internal/dispatch/task"
	"github.com/relaypool/dispatch/internal/validator"
)

// Frame commands.
const (
	CmdRegister   = "register"
	CmdJobRequest = "job_request"
)

// Peer types a register frame may declare.
const (
	PeerProducer  = "producer"
	PeerScheduler = "scheduler"
)

// RegisterFrame is the single frame a producer or scheduler sends on
// connect to declare its role.
type RegisterFrame struct {
	Cmd  string `json:"cmd"`
	Type string `json:"type"`
}

// NewRegisterFrame builds a RegisterFrame declaring peerType.
func NewRegisterFrame(peerType string) RegisterFrame {
	return RegisterFrame{Cmd: CmdRegister, Type: peerType}
}

// JobPayload is a job description as it travels the wire: the shape a
// producer emits inside a JobRequestFrame, and the shape a scheduler
// receives directly once the bus has stripped the envelope.
type JobPayload struct {
	Runtime  int `json:"runtime"`
	Priority int `json:"priority"`
}

// Validate reports whether p's fields are usable, per spec.md §6's ranges.
func (p JobPayload) Validate() error {
	v := validator.New()
	v.Assert(p.Runtime >= 0, validator.Format("runtime must be non-negative"))
	v.Assert(p.Priority >= 0, validator.Format("priority must be non-negative"))
	return v.Err()
}

// ToDescription constructs a task.Description from p, applying timeout —
// the scheduler's own CLI-configured budget, never a value carried on the
// wire (see SPEC_FULL.md §9).
func (p JobPayload) ToDescription(timeout time.Duration) task.Description {
	return task.New(p.Priority, time.Duration(p.Runtime)*time.Second, timeout)
}

// FromDescription projects a task.Description back to the wire shape it
// was decoded from, dropping Timeout and Sequence (neither travels the
// wire).
func FromDescription(d task.Description) JobPayload {
	return JobPayload{
		Runtime:  int(d.Runtime / time.Second),
		Priority: d.Priority,
	}
}

// JobRequestFrame is the envelope a producer sends for each emitted job.
type JobRequestFrame struct {
	Cmd     string     `json:"cmd"`
	Payload JobPayload `json:"payload"`
}

// NewJobRequestFrame builds a JobRequestFrame wrapping payload.
func NewJobRequestFrame(payload JobPayload) JobRequestFrame {
	return JobRequestFrame{Cmd: CmdJobRequest, Payload: payload}
}

// Envelope is the shape the bus relay decodes every inbound frame as,
// before dispatching on Cmd. Payload is left raw because the relay never
// interprets it — it only re-broadcasts it verbatim to scheduler peers.
type Envelope struct {
	Cmd     string          `json:"cmd"`
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
