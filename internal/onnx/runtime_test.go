package onnx

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/convbench/internal/config"
)

func TestDetectRuntimeExplicitPath(t *testing.T) {
	lib := filepath.Join(t.TempDir(), "libonnxruntime.so.1.23.2")
	if err := os.WriteFile(lib, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	info, err := DetectRuntime(config.RuntimeConfig{ORTLibraryPath: lib})
	if err != nil {
		t.Fatalf("DetectRuntime: %v", err)
	}

	if info.LibraryPath != lib {
		t.Fatalf("path = %q, want %q", info.LibraryPath, lib)
	}

	if info.Version != "1.23.2" {
		t.Fatalf("version = %q, want inferred 1.23.2", info.Version)
	}
}

func TestDetectRuntimeConfiguredVersionWins(t *testing.T) {
	lib := filepath.Join(t.TempDir(), "libonnxruntime.so.1.20.0")
	if err := os.WriteFile(lib, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	info, err := DetectRuntime(config.RuntimeConfig{ORTLibraryPath: lib, ORTVersion: "9.9.9"})
	if err != nil {
		t.Fatalf("DetectRuntime: %v", err)
	}

	if info.Version != "9.9.9" {
		t.Fatalf("version = %q", info.Version)
	}
}

func TestDetectRuntimeEnvFallback(t *testing.T) {
	lib := filepath.Join(t.TempDir(), "libonnxruntime.so")
	if err := os.WriteFile(lib, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONVBENCH_ORT_LIB", "")
	t.Setenv("ORT_LIBRARY_PATH", lib)
	t.Setenv("ORT_VERSION", "")

	info, err := DetectRuntime(config.RuntimeConfig{})
	if err != nil {
		t.Fatalf("DetectRuntime: %v", err)
	}

	if info.LibraryPath != lib || info.Version != "unknown" {
		t.Fatalf("info = %+v", info)
	}
}

func TestDetectRuntimeMissingPath(t *testing.T) {
	_, err := DetectRuntime(config.RuntimeConfig{ORTLibraryPath: filepath.Join(t.TempDir(), "nope.so")})
	if !errors.Is(err, ErrRuntimeUnavailable) {
		t.Fatalf("err = %v, want ErrRuntimeUnavailable", err)
	}
}

func TestInferVersionFromPath(t *testing.T) {
	tests := map[string]string{
		"/opt/ort/libonnxruntime.so.1.22.0":     "1.22.0",
		"/opt/ort/libonnxruntime.1.19.2.dylib":  "1.19.2",
		"/usr/lib/libonnxruntime.so":            "",
		"C:/onnxruntime-1.18.1/lib/onnxruntime": "",
	}

	for path, want := range tests {
		if got := inferVersionFromPath(path); got != want {
			t.Errorf("inferVersionFromPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestNewRunnerWithoutLibrary(t *testing.T) {
	_, err := NewRunner(Session{Name: "g"}, RunnerConfig{})
	if !errors.Is(err, ErrRuntimeUnavailable) {
		t.Fatalf("err = %v, want ErrRuntimeUnavailable", err)
	}
}
