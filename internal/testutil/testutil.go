// Package testutil provides shared skip helpers for integration tests.
//
// Each helper calls t.Skip with a clear human-readable reason when the named
// prerequisite is absent, so integration tests remain runnable in partial
// environments without failing noisily.
//
// Typical usage:
//
//	func TestMyIntegration(t *testing.T) {
//	    testutil.RequireONNXRuntime(t)
//	    testutil.RequireWeights(t, "weights", "resnet18")
//	    ...
//	}
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// LibraryCandidates lists the system locations probed for the ONNX Runtime
// shared library when no environment override is set.
var LibraryCandidates = []string{
	"/usr/lib/libonnxruntime.so",
	"/usr/local/lib/libonnxruntime.so",
	"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
}

// RequireONNXRuntime skips the test if no ONNX Runtime shared library can be
// located. It checks (in order): the ORT_LIBRARY_PATH env var, then the
// CONVBENCH_ORT_LIB env var, then common system library paths.
func RequireONNXRuntime(tb testing.TB) {
	tb.Helper()

	for _, env := range []string{"ORT_LIBRARY_PATH", "CONVBENCH_ORT_LIB"} {
		if p := os.Getenv(env); p != "" {
			// #nosec G703 -- Integration tests intentionally accept explicit env-provided local library paths.
			_, err := os.Stat(p)
			if err == nil {
				return // found
			}

			tb.Skipf("ONNX Runtime library not found at %s=%q", env, p)
		}
	}

	for _, p := range LibraryCandidates {
		_, err := os.Stat(p)
		if err == nil {
			return // found
		}
	}

	tb.Skip("ONNX Runtime shared library not found; set ORT_LIBRARY_PATH or CONVBENCH_ORT_LIB")
}

// RequireWeights skips the test if dir/<name>.safetensors does not exist.
func RequireWeights(tb testing.TB, dir, name string) string {
	tb.Helper()

	path := filepath.Join(dir, name+".safetensors")
	if _, err := os.Stat(path); err != nil {
		tb.Skipf("pretrained weights for %s not available at %s", name, path)
	}

	return path
}

// RequireLongTests skips the test unless CONVBENCH_LONG_TESTS is set. Full
// catalog runs over the large architectures take minutes on the pure-Go
// runtime.
func RequireLongTests(tb testing.TB) {
	tb.Helper()

	if testing.Short() || os.Getenv("CONVBENCH_LONG_TESTS") == "" {
		tb.Skip("set CONVBENCH_LONG_TESTS=1 to run full-size model tests")
	}
}
