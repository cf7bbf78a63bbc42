package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Arguments is the decoded positional and keyword payload of a job.
// Values stay raw until a handler asks for them with a concrete type.
type Arguments struct {
	Args   []json.RawMessage          `json:"args"`
	Kwargs map[string]json.RawMessage `json:"kwargs"`
}

// DecodeArguments parses a job payload. An empty payload means no arguments.
func DecodeArguments(payload []byte) (*Arguments, error) {
	args := &Arguments{Kwargs: map[string]json.RawMessage{}}
	if len(bytes.TrimSpace(payload)) == 0 {
		return args, nil
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if args.Kwargs == nil {
		args.Kwargs = map[string]json.RawMessage{}
	}
	return args, nil
}

// Len returns the number of positional arguments
func (a *Arguments) Len() int {
	return len(a.Args)
}

// Arg decodes positional argument i into dst
func (a *Arguments) Arg(i int, dst any) error {
	if i < 0 || i >= len(a.Args) {
		return fmt.Errorf("%w: missing positional argument %d (have %d)", ErrSerialization, i, len(a.Args))
	}
	if err := json.Unmarshal(a.Args[i], dst); err != nil {
		return fmt.Errorf("%w: argument %d: %v", ErrSerialization, i, err)
	}
	return nil
}

// String returns positional argument i as a string
func (a *Arguments) String(i int) (string, error) {
	var s string
	err := a.Arg(i, &s)
	return s, err
}

// Kwarg decodes keyword argument name into dst. ok is false when absent.
func (a *Arguments) Kwarg(name string, dst any) (bool, error) {
	raw, found := a.Kwargs[name]
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("%w: keyword %q: %v", ErrSerialization, name, err)
	}
	return true, nil
}
