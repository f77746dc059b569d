package model

import (
	"fmt"
	"strings"
)

// NewBackend selects a model backend by name. "onnx" (the default) loads
// encoder/decoder sessions from modelPath; it requires building with the
// "onnx" tag.
func NewBackend(backendName, modelPath string) (Model, error) {
	name := strings.ToLower(strings.TrimSpace(backendName))
	switch name {
	case "onnx", "":
		return newONNXModel(modelPath)
	default:
		return nil, fmt.Errorf("unknown model backend %q", backendName)
	}
}
