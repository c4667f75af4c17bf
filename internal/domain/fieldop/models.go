package fieldop

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type OperationType int

const (
	Unknown OperationType = iota
	VehicleNumber
	AntiRolling
	RemoveRolling
)

// OperationTypes lists the detectable types in detection order.
var OperationTypes = []OperationType{VehicleNumber, AntiRolling, RemoveRolling}

func (o OperationType) String() string {
	switch o {
	case VehicleNumber:
		return "vehicle_number"
	case AntiRolling:
		return "anti_rolling"
	case RemoveRolling:
		return "remove_rolling"
	default:
		return "unknown"
	}
}

func ParseOperationType(s string) (OperationType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vehicle_number":
		return VehicleNumber, nil
	case "anti_rolling":
		return AntiRolling, nil
	case "remove_rolling":
		return RemoveRolling, nil
	}
	return Unknown, fmt.Errorf("unknown operation type %q", s)
}

type Utterance struct {
	Timestamp float64 `json:"timestamp"`
	Text      string  `json:"text"`
}

type DetectionEvent struct {
	Operation   OperationType
	Timestamp   float64
	Confidence  float64
	MatchedText string
}

type FrameSample struct {
	Timestamp float64
	Path      string
}

type Outcome int

const (
	Indeterminate Outcome = iota
	Positive
	Negative
)

func (o Outcome) String() string {
	switch o {
	case Positive:
		return "positive"
	case Negative:
		return "negative"
	default:
		return "indeterminate"
	}
}

type FrameOutcome struct {
	Frame   FrameSample
	Result  Outcome
	Skipped bool
	Err     error
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Verdict is the single reported result for one detection event. Operation is
// Unknown for device-level error verdicts.
type Verdict struct {
	DeviceID      string
	Operation     OperationType
	Success       bool
	VehicleNumber string
	Evidence      []FrameSample
	Timestamp     float64
	Status        Status
	Summary       string
	Error         bool
}

// Message is the self-describing record delivered to observers.
type Message struct {
	Type          string   `json:"type"`
	DeviceID      string   `json:"device_id"`
	Result        string   `json:"result"`
	Success       *bool    `json:"success,omitempty"`
	VehicleNumber *string  `json:"vehicle_number,omitempty"`
	Frames        []string `json:"frames"`
	Timestamp     float64  `json:"timestamp"`
	Status        Status   `json:"status"`
}

// MarshalJSON always emits vehicle_number for vehicle-number messages so a
// failed recognition is reported as an explicit null.
func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	if m.Type != VehicleNumber.String() {
		return json.Marshal(plain(m))
	}
	return json.Marshal(struct {
		plain
		VehicleNumber *string `json:"vehicle_number"`
	}{plain(m), m.VehicleNumber})
}

// State is a pipeline run's position in the processing sequence.
type State string

const (
	StateIdle             State = "idle"
	StateRecording        State = "recording"
	StateTranscribing     State = "transcribing"
	StateDetectingEvents  State = "detecting_events"
	StateExtractingFrames State = "extracting_frames"
	StateVerifying        State = "verifying"
	StateReporting        State = "reporting"
	StateDone             State = "done"
)

// Run is the bookkeeping record of one pipeline invocation.
type Run struct {
	ID          string         `json:"id"`
	DeviceID    string         `json:"device_id"`
	State       State          `json:"state"`
	Events      int            `json:"events"`
	EventCounts map[string]int `json:"event_counts,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}
