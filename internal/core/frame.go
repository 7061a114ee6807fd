package core

import (
	"fmt"

	"github.com/goccy/go-json"
)

// EncodeFrame marshals v as one outbound JSON frame.
func EncodeFrame(v any) (Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return b, nil
}

// MustFrame is EncodeFrame for values that always marshal.
func MustFrame(v any) Frame {
	f, err := EncodeFrame(v)
	if err != nil {
		panic(err)
	}
	return f
}

// ErrorFrame is the envelope sent for any rejected request.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Error   string `json:"error"`
	Request string `json:"request,omitempty"`
}
