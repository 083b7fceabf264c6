package core

import (
	"encoding/json"
	"fmt"
)

// DecodeInput decodes a function-input document.
func DecodeInput(data []byte) (Input, error) {
	var input Input
	if err := json.Unmarshal(data, &input); err != nil {
		return Input{}, fmt.Errorf("decode function input: %w", err)
	}
	return input, nil
}

// EncodeOutput encodes out as a function-output document. A nil operation list
// is encoded as an empty array.
func EncodeOutput(out Output) ([]byte, error) {
	if out.Operations == nil {
		out.Operations = []Operation{}
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode function output: %w", err)
	}
	return payload, nil
}
