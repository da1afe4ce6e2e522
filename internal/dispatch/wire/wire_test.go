package wire

import (
	"encoding/json"
	"testing"
	"time"
)

func TestJobPayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload JobPayload
		wantErr bool
	}{
		{"valid", JobPayload{Runtime: 5, Priority: 3}, false},
		{"negative runtime", JobPayload{Runtime: -1, Priority: 3}, true},
		{"negative priority", JobPayload{Runtime: 5, Priority: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRoundTripPreservesPriorityAndRuntime(t *testing.T) {
	payload := JobPayload{Runtime: 9, Priority: 4}

	d := payload.ToDescription(2 * time.Second)
	got := FromDescription(d)

	if got.Priority != payload.Priority {
		t.Fatalf("priority = %d, want %d", got.Priority, payload.Priority)
	}
	if got.Runtime != payload.Runtime {
		t.Fatalf("runtime = %d, want %d", got.Runtime, payload.Runtime)
	}
}

func TestJobRequestFrameMarshalsPayloadObject(t *testing.T) {
	frame := NewJobRequestFrame(JobPayload{Runtime: 7, Priority: 1})

	b, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %s", err)
	}

	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal envelope: %s", err)
	}
	if env.Cmd != CmdJobRequest {
		t.Fatalf("cmd = %q, want %q", env.Cmd, CmdJobRequest)
	}

	var payload JobPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %s", err)
	}
	if payload != (JobPayload{Runtime: 7, Priority: 1}) {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestRegisterFrame(t *testing.T) {
	frame := NewRegisterFrame(PeerScheduler)
	b, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %s", err)
	}

	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if env.Cmd != CmdRegister || env.Type != PeerScheduler {
		t.Fatalf("got cmd=%q type=%q", env.Cmd, env.Type)
	}
}
