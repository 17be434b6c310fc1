package device

import (
	"encoding/json"
	"fmt"
)

// Frame is the envelope of every control-stream message.
type Frame struct {
	Category string          `json:"category"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
}

// DecodeFrame decodes a raw control-stream message into its envelope.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// wireState mirrors the JSON shape of GET /api/audio/state and of the
// full_state object embedded in stream frames.
type wireState struct {
	ActiveSource     string         `json:"active_source"`
	PluginState      string         `json:"plugin_state"`
	Transitioning    bool           `json:"transitioning"`
	TargetSource     *string        `json:"target_source"`
	MultiroomEnabled bool           `json:"multiroom_enabled"`
	EqualizerEnabled bool           `json:"equalizer_enabled"`
	Metadata         map[string]any `json:"metadata"`
}

func (w wireState) toState() State {
	return State{
		ActiveSource:     w.ActiveSource,
		PluginState:      w.PluginState,
		TargetSource:     w.TargetSource,
		Transitioning:    w.Transitioning,
		MultiroomEnabled: w.MultiroomEnabled,
		EqualizerEnabled: w.EqualizerEnabled,
		Metadata:         w.Metadata,
	}
}

// DecodeState decodes a state object as returned by the HTTP state endpoint.
func DecodeState(data []byte) (State, error) {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	return w.toState(), nil
}

// DecodeStateFrame decodes the data object of a state-bearing stream frame,
// which wraps the snapshot in a full_state field.
func DecodeStateFrame(data json.RawMessage) (State, error) {
	var payload struct {
		FullState json.RawMessage `json:"full_state"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return State{}, fmt.Errorf("decode state frame: %w", err)
	}
	if len(payload.FullState) == 0 {
		return State{}, fmt.Errorf("decode state frame: missing full_state")
	}
	return DecodeState(payload.FullState)
}

// DecodeVolumeFrame decodes the data object of a volume_changed stream frame.
func DecodeVolumeFrame(data json.RawMessage) (VolumeEvent, error) {
	var payload struct {
		VolumeDb         float64 `json:"volume_db"`
		MultiroomEnabled bool    `json:"multiroom_enabled"`
		StepMobileDb     float64 `json:"step_mobile_db"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return VolumeEvent{}, fmt.Errorf("decode volume frame: %w", err)
	}
	return VolumeEvent{
		VolumeDb:         payload.VolumeDb,
		MultiroomEnabled: payload.MultiroomEnabled,
		StepDb:           payload.StepMobileDb,
	}, nil
}
