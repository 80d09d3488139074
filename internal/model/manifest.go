// Package model exports catalog cases as ONNX graphs with a checksummed
// manifest and smoke-verifies exported graphs against ONNX Runtime.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/example/convbench/internal/onnx"
)

// ManifestName is the file written next to exported graphs.
const ManifestName = "manifest.json"

const manifestVersion = 1

type Manifest struct {
	Version  int     `json:"version"`
	Producer string  `json:"producer"`
	Graphs   []Graph `json:"graphs"`
}

// Graph describes one exported case. Filename is relative to the manifest.
type Graph struct {
	Name      string          `json:"name"`
	Model     string          `json:"model"`
	Precision string          `json:"precision"`
	Filename  string          `json:"filename"`
	SHA256    string          `json:"sha256"`
	Inputs    []onnx.NodeInfo `json:"inputs"`
	Outputs   []onnx.NodeInfo `json:"outputs"`
	Ops       map[string]int  `json:"ops,omitempty"`
}

// Session resolves g against the manifest directory.
func (g Graph) Session(dir string) onnx.Session {
	return onnx.Session{
		Name:    g.Name,
		Path:    filepath.Join(dir, g.Filename),
		Inputs:  g.Inputs,
		Outputs: g.Outputs,
	}
}

func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %s: %w", path, err)
	}

	if m.Version != manifestVersion {
		return Manifest{}, fmt.Errorf("manifest %s: unsupported version %d", path, m.Version)
	}

	return m, nil
}

func WriteManifest(dir string, m Manifest) (string, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}

	path := filepath.Join(dir, ManifestName)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}

	return path, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
