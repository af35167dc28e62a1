package types

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Record is one sample across all channels. Seq is assigned by the stream buffer when the
// record is appended and is strictly increasing within a session.
type Record struct {
	Seq     uint64    `json:"seq" cbor:"seq"`
	Values  []float64 `json:"values" cbor:"values"`
	Trigger string    `json:"trigger,omitempty" cbor:"trigger,omitempty"`
}

func (r Record) HasTrigger() bool {
	return r.Trigger != ""
}

type SavingMode int

const (
	SavingModeContinuous SavingMode = iota
	SavingModeSeparated
)

func (m SavingMode) String() string {
	switch m {
	case SavingModeContinuous:
		return "continuous"
	case SavingModeSeparated:
		return "separated"
	default:
		return fmt.Sprintf("SavingMode(%d)", int(m))
	}
}

func ParseSavingMode(s string) (SavingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "continuous":
		return SavingModeContinuous, nil
	case "separated":
		return SavingModeSeparated, nil
	}
	return 0, errors.Errorf("types: unknown saving mode %q", s)
}

func (m *SavingMode) UnmarshalText(text []byte) error {
	mode, err := ParseSavingMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

func (m *SavingMode) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return m.UnmarshalText([]byte(s))
}

// TriggerPlacement selects which record of a pull receives a pending trigger tag.
type TriggerPlacement int

const (
	// PlaceLast attaches the tag to the most recently appended record of the first non-empty
	// pull after the event was observed.
	PlaceLast TriggerPlacement = iota
	// PlaceFirst attaches the tag to the first record of that pull.
	PlaceFirst
)

func (p TriggerPlacement) String() string {
	if p == PlaceFirst {
		return "first"
	}
	return "last"
}

func (p *TriggerPlacement) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "last":
		*p = PlaceLast
	case "first":
		*p = PlaceFirst
	default:
		return errors.Errorf("types: unknown trigger placement %q", text)
	}
	return nil
}

func (p *TriggerPlacement) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return p.UnmarshalText([]byte(s))
}
