package config

import (
	"fmt"
	"strings"
)

const (
	BackendNative = "native"
	BackendONNX   = "onnx"
)

func NormalizeBackend(raw string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(raw))
	switch backend {
	case "":
		return BackendNative, nil
	case BackendNative, BackendONNX:
		return backend, nil
	case "ort", "onnxruntime":
		return BackendONNX, nil
	default:
		return "", fmt.Errorf("invalid backend %q (expected %s|%s)", raw, BackendNative, BackendONNX)
	}
}
