//go:build !onnx
// +build !onnx

package model

import (
	"context"
	"fmt"

	"revtune/rvt/data"
)

// onnxModel is a stub used when built without the "onnx" build tag.
type onnxModel struct{ modelPath string }

func newONNXModel(modelPath string) (Model, error) {
	return &onnxModel{modelPath: modelPath}, nil
}

func (m *onnxModel) Forward(ctx context.Context, b *data.Batch) (Output, error) {
	return Output{}, fmt.Errorf("onnx backend not available: build with -tags onnx")
}

func (m *onnxModel) ForwardBackward(ctx context.Context, b *data.Batch, lossScale float64) (Output, error) {
	return Output{}, fmt.Errorf("onnx backend not available: build with -tags onnx")
}

func (m *onnxModel) Generate(ctx context.Context, b *data.Batch, opts GenerateOptions) ([][]int64, error) {
	return nil, fmt.Errorf("onnx backend not available: build with -tags onnx")
}

func (m *onnxModel) Save(dir string) error {
	return fmt.Errorf("onnx backend not available: build with -tags onnx")
}
