package onnx

// NodeInfo describes one graph input or output.
type NodeInfo struct {
	Name  string  `json:"name"`
	DType string  `json:"dtype"`
	Shape []int64 `json:"shape"`
}

// Session identifies a single ONNX graph on disk.
type Session struct {
	Name string
	Path string

	Inputs  []NodeInfo
	Outputs []NodeInfo
}

// InputNames returns the graph input names in declaration order.
func (s Session) InputNames() []string { return nodeNames(s.Inputs) }

// OutputNames returns the graph output names in declaration order.
func (s Session) OutputNames() []string { return nodeNames(s.Outputs) }

func nodeNames(nodes []NodeInfo) []string {
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}

	return names
}
