package onnx

import (
	"encoding/binary"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from onnx.proto (IR version 8).
const (
	modelIRVersion    protowire.Number = 1
	modelProducerName protowire.Number = 2
	modelGraph        protowire.Number = 7
	modelOpsetImport  protowire.Number = 8

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	graphNode        protowire.Number = 1
	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12

	nodeInput     protowire.Number = 1
	nodeOutput    protowire.Number = 2
	nodeName      protowire.Number = 3
	nodeOpType    protowire.Number = 4
	nodeAttribute protowire.Number = 5

	attrName    protowire.Number = 1
	attrF       protowire.Number = 2
	attrI       protowire.Number = 3
	attrInts    protowire.Number = 8
	attrType    protowire.Number = 20
	attrFloat                    = 1
	attrInt                      = 2
	attrIntList                  = 7

	tensorDims     protowire.Number = 1
	tensorDataType protowire.Number = 2
	tensorName     protowire.Number = 8
	tensorRawData  protowire.Number = 9
	dataTypeFloat                   = 1
	dataTypeInt64                   = 7

	valueInfoName protowire.Number = 1
	valueInfoType protowire.Number = 2

	typeTensor     protowire.Number = 1
	tensorElemType protowire.Number = 1
	tensorShape    protowire.Number = 2
	shapeDim       protowire.Number = 1
	dimensionValue protowire.Number = 1
	dimensionParam protowire.Number = 2
)

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarintField(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func intAttr(name string, v int64) []byte {
	var b []byte
	b = appendStringField(b, attrName, name)
	b = appendVarintField(b, attrI, v)

	return appendVarintField(b, attrType, attrInt)
}

func intsAttr(name string, vs ...int64) []byte {
	var b []byte

	b = appendStringField(b, attrName, name)
	for _, v := range vs {
		b = appendVarintField(b, attrInts, v)
	}

	return appendVarintField(b, attrType, attrIntList)
}

func floatAttr(name string, v float32) []byte {
	var b []byte
	b = appendStringField(b, attrName, name)
	b = protowire.AppendTag(b, attrF, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(v))

	return appendVarintField(b, attrType, attrFloat)
}

func floatTensorProto(name string, shape []int64, data []float32) []byte {
	var b []byte
	for _, d := range shape {
		b = appendVarintField(b, tensorDims, d)
	}

	b = appendVarintField(b, tensorDataType, dataTypeFloat)
	b = appendStringField(b, tensorName, name)

	raw := make([]byte, 0, 4*len(data))
	for _, v := range data {
		raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(v))
	}

	return appendBytesField(b, tensorRawData, raw)
}

func int64TensorProto(name string, data []int64) []byte {
	var b []byte
	b = appendVarintField(b, tensorDims, int64(len(data)))
	b = appendVarintField(b, tensorDataType, dataTypeInt64)
	b = appendStringField(b, tensorName, name)

	raw := make([]byte, 0, 8*len(data))
	for _, v := range data {
		raw = binary.LittleEndian.AppendUint64(raw, uint64(v))
	}

	return appendBytesField(b, tensorRawData, raw)
}

// valueInfoProto declares a float tensor. A negative dimension becomes the
// symbolic "batch" dimension.
func valueInfoProto(name string, shape []int64) []byte {
	var dims []byte

	for _, d := range shape {
		var dim []byte
		if d < 0 {
			dim = appendStringField(dim, dimensionParam, "batch")
		} else {
			dim = appendVarintField(dim, dimensionValue, d)
		}

		dims = appendBytesField(dims, shapeDim, dim)
	}

	var tt []byte
	tt = appendVarintField(tt, tensorElemType, dataTypeFloat)
	tt = appendBytesField(tt, tensorShape, dims)

	var b []byte
	b = appendStringField(b, valueInfoName, name)

	return appendBytesField(b, valueInfoType, appendBytesField(nil, typeTensor, tt))
}

func nodeProto(name, op string, inputs, outputs []string, attrs [][]byte) []byte {
	var b []byte
	for _, in := range inputs {
		b = appendStringField(b, nodeInput, in)
	}

	for _, out := range outputs {
		b = appendStringField(b, nodeOutput, out)
	}

	b = appendStringField(b, nodeName, name)
	b = appendStringField(b, nodeOpType, op)

	for _, a := range attrs {
		b = appendBytesField(b, nodeAttribute, a)
	}

	return b
}
