package protocol

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a Frame for a WebSocket text message.
func Encode(f *Frame) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Decode parses and validates a WebSocket text message.
func Decode(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("frame is empty")
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Frame) validate() error {
	if f.Seq == 0 {
		return fmt.Errorf("frame %q: seq must be non-zero", f.Op)
	}

	switch f.Op {
	case OpCreate, OpAppend, OpSubscribeColl:
		if f.Collection == "" {
			return fmt.Errorf("frame %q: missing collection", f.Op)
		}
	case OpGet, OpSubscribeDoc:
		if f.Collection == "" || f.ID == "" {
			return fmt.Errorf("frame %q: missing collection or id", f.Op)
		}
	case OpSet:
		if f.Collection == "" || f.ID == "" {
			return fmt.Errorf("frame %q: missing collection or id", f.Op)
		}
		if f.Mode != ModeCreate && f.Mode != ModeMerge {
			return fmt.Errorf("frame %q: invalid mode %q", f.Op, f.Mode)
		}
	case OpUnsubscribe, OpResult:
	case OpEvent:
		if f.Kind == "" {
			return fmt.Errorf("frame %q: missing kind", f.Op)
		}
	default:
		return fmt.Errorf("unknown frame op %q", f.Op)
	}
	return nil
}
