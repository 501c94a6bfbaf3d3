package storage

import (
	"encoding/json"
	"fmt"

	"github.com/pitabwire/recordflow/model"
)

// envelopeVersion is the only encoding of step lists and transition logs this
// build understands.
const envelopeVersion = 1

type stepsEnvelope struct {
	Version int          `json:"version"`
	Steps   []model.Step `json:"steps"`
}

type logsEnvelope struct {
	Version int                        `json:"version"`
	Entries []model.TransitionLogEntry `json:"entries"`
}

// MarshalSteps encodes a definition's steps for the steps column.
func MarshalSteps(steps []model.Step) ([]byte, error) {
	if steps == nil {
		steps = []model.Step{}
	}
	return json.Marshal(stepsEnvelope{Version: envelopeVersion, Steps: steps})
}

// UnmarshalSteps decodes the steps column. Unknown envelope versions, a
// missing step list and unnamed steps are rejected.
func UnmarshalSteps(data []byte) ([]model.Step, error) {
	var env stepsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("decode steps: unsupported envelope version %d", env.Version)
	}
	if len(env.Steps) == 0 {
		return nil, fmt.Errorf("decode steps: empty step list")
	}
	for i, s := range env.Steps {
		if s.Name == "" {
			return nil, fmt.Errorf("decode steps: step %d has no name", i)
		}
	}
	return env.Steps, nil
}

// MarshalLogs encodes an instance's transition log for the logs column.
func MarshalLogs(entries []model.TransitionLogEntry) ([]byte, error) {
	if entries == nil {
		entries = []model.TransitionLogEntry{}
	}
	return json.Marshal(logsEnvelope{Version: envelopeVersion, Entries: entries})
}

// UnmarshalLogs decodes the logs column. The returned slice is never nil.
func UnmarshalLogs(data []byte) ([]model.TransitionLogEntry, error) {
	var env logsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode logs: %w", err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("decode logs: unsupported envelope version %d", env.Version)
	}
	if env.Entries == nil {
		env.Entries = []model.TransitionLogEntry{}
	}
	return env.Entries, nil
}
