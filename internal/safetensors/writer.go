package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/example/convbench/internal/runtime/tensor"
)

// EncodeTensors serializes float32 tensors keyed by name into safetensors
// format. Keys are written in sorted order.
func EncodeTensors(tensors map[string]*tensor.Tensor) ([]byte, error) {
	if len(tensors) == 0 {
		return nil, errors.New("safetensors: no tensors to encode")
	}

	names := make([]string, 0, len(tensors))
	size := 0

	for name, t := range tensors {
		if strings.TrimSpace(name) == "" {
			return nil, errors.New("safetensors: tensor name must not be empty")
		}

		if t == nil {
			return nil, fmt.Errorf("safetensors: tensor %q is nil", name)
		}

		names = append(names, name)
		size += t.ElemCount() * 4
	}

	sort.Strings(names)

	header := make(map[string]storeHeaderEntry, len(names))
	raw := make([]byte, 0, size)

	for _, name := range names {
		t := tensors[name]
		start := len(raw)

		for _, v := range t.RawData() {
			raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(v))
		}

		header[name] = storeHeaderEntry{
			DType:   dtypeF32,
			Shape:   t.Shape(),
			Offsets: [2]int{start, len(raw)},
		}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("safetensors: encode header: %w", err)
	}

	out := make([]byte, 0, 8+len(headerJSON)+len(raw))
	out = binary.LittleEndian.AppendUint64(out, uint64(len(headerJSON)))
	out = append(out, headerJSON...)
	out = append(out, raw...)

	return out, nil
}

// WriteFile writes float32 tensors into a .safetensors file.
func WriteFile(path string, tensors map[string]*tensor.Tensor) error {
	data, err := EncodeTensors(tensors)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("safetensors: write %s: %w", path, err)
	}

	return nil
}
