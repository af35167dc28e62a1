package types

import (
	"fmt"
	"strings"
)

type MessageKind string

const (
	KindStart     MessageKind = "START"
	KindStop      MessageKind = "STOP"
	KindTerminate MessageKind = "TERMINATE"
)

func (k MessageKind) Valid() bool {
	switch k {
	case KindStart, KindStop, KindTerminate:
		return true
	}
	return false
}

// Message is a control event emitted by the orchestrator. StimulusID is empty when absent.
type Message struct {
	Kind         MessageKind `json:"type" cbor:"type"`
	ExperimentID string      `json:"experiment_id" cbor:"experiment_id"`
	StimulusID   string      `json:"stimulus_id,omitempty" cbor:"stimulus_id,omitempty"`
}

func StartMessage(experimentID, stimulusID string) *Message {
	return &Message{Kind: KindStart, ExperimentID: experimentID, StimulusID: stimulusID}
}

func StopMessage(experimentID, stimulusID string) *Message {
	return &Message{Kind: KindStop, ExperimentID: experimentID, StimulusID: stimulusID}
}

func TerminateMessage() *Message {
	return &Message{Kind: KindTerminate}
}

// FormatTrigger builds the trigger tag for a message: {kind}-{experiment}-{stimulus}, with the
// stimulus id left-padded with zeros to two characters.
func FormatTrigger(m *Message) string {
	return fmt.Sprintf("%s-%s-%s", m.Kind, m.ExperimentID, zeroPad(m.StimulusID, 2))
}

func zeroPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}
