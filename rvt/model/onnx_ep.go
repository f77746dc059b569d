package model

import "strings"

var onnxEPPreference string
var onnxDeviceID int

// SetONNXExecutionProvider sets preferred ONNX Runtime EP: "cuda",
// "tensorrt", "coreml", "dml", or "cpu".
func SetONNXExecutionProvider(ep string) {
	onnxEPPreference = strings.ToLower(strings.TrimSpace(ep))
}

// SetONNXDeviceID sets the device ID used by some EPs.
func SetONNXDeviceID(id int) { onnxDeviceID = id }
