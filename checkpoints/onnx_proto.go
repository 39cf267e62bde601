package checkpoints

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// The subset of onnx.proto needed to describe convolutional networks, encoded
// directly on the wire. Field numbers follow onnx.proto.

const (
	TensorProto_DataType_FLOAT int32 = 1

	AttributeProto_FLOAT AttributeType = 1
	AttributeProto_INT   AttributeType = 2
	AttributeProto_INTS  AttributeType = 7
)

type AttributeType int32

type ModelProto struct {
	IrVersion       int64
	ProducerName    string
	ProducerVersion string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	OpsetImport     []*OperatorSetIdProto
}

type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

type GraphProto struct {
	Name        string
	Node        []*NodeProto
	Initializer []*TensorProto
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
}

type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Attribute []*AttributeProto
}

type AttributeProto struct {
	Name string
	Type AttributeType
	F    float32
	I    int64
	Ints []int64
}

type TensorProto struct {
	Name      string
	Dims      []int64
	DataType  int32
	FloatData []float32
}

// ValueInfoProto describes a float tensor graph input or output. The nested
// TypeProto.Tensor and TensorShapeProto messages are flattened into Dims.
type ValueInfoProto struct {
	Name     string
	ElemType int32
	Dims     []Dimension
}

// Dimension is either a fixed extent or a named symbolic one.
type Dimension struct {
	Value int64
	Param string
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func (m *ModelProto) Marshal() []byte {
	var b []byte
	b = appendInt(b, 1, m.IrVersion)
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	b = appendInt(b, 5, m.ModelVersion)
	b = appendString(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessage(b, 7, m.Graph.marshal())
	}
	for _, op := range m.OpsetImport {
		var o []byte
		o = appendString(o, 1, op.Domain)
		o = appendInt(o, 2, op.Version)
		b = appendMessage(b, 8, o)
	}
	return b
}

func (g *GraphProto) marshal() []byte {
	var b []byte
	for _, n := range g.Node {
		b = appendMessage(b, 1, n.marshal())
	}
	b = appendString(b, 2, g.Name)
	for _, t := range g.Initializer {
		b = appendMessage(b, 5, t.marshal())
	}
	for _, v := range g.Input {
		b = appendMessage(b, 11, v.marshal())
	}
	for _, v := range g.Output {
		b = appendMessage(b, 12, v.marshal())
	}
	return b
}

func (n *NodeProto) marshal() []byte {
	var b []byte
	for _, s := range n.Input {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	for _, s := range n.Output {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for _, a := range n.Attribute {
		b = appendMessage(b, 5, a.marshal())
	}
	return b
}

func (a *AttributeProto) marshal() []byte {
	var b []byte
	b = appendString(b, 1, a.Name)
	switch a.Type {
	case AttributeProto_FLOAT:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttributeProto_INT:
		b = appendInt(b, 3, a.I)
	case AttributeProto_INTS:
		for _, v := range a.Ints {
			b = appendInt(b, 8, v)
		}
	}
	return appendInt(b, 20, int64(a.Type))
}

func (t *TensorProto) marshal() []byte {
	var b []byte
	for _, d := range t.Dims {
		b = appendInt(b, 1, d)
	}
	b = appendInt(b, 2, int64(t.DataType))
	if len(t.FloatData) > 0 {
		packed := make([]byte, 0, 4*len(t.FloatData))
		for _, v := range t.FloatData {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		b = appendMessage(b, 4, packed)
	}
	return appendString(b, 8, t.Name)
}

func (v *ValueInfoProto) marshal() []byte {
	var shape []byte
	for _, d := range v.Dims {
		var dim []byte
		if d.Param != "" {
			dim = appendString(dim, 2, d.Param)
		} else {
			dim = appendInt(dim, 1, d.Value)
		}
		shape = appendMessage(shape, 1, dim)
	}
	var tensorType []byte
	tensorType = appendInt(tensorType, 1, int64(v.ElemType))
	tensorType = appendMessage(tensorType, 2, shape)

	var typ []byte
	typ = appendMessage(typ, 1, tensorType)

	var b []byte
	b = appendString(b, 1, v.Name)
	return appendMessage(b, 2, typ)
}

// field is one decoded wire field.
type field struct {
	num     protowire.Number
	typ     protowire.Type
	varint  uint64
	fixed32 uint32
	bytes   []byte
}

func parseFields(b []byte) ([]field, error) {
	var fields []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			f.fixed32, n = protowire.ConsumeFixed32(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		fields = append(fields, f)
	}
	return fields, nil
}

// int64s decodes a repeated int64 written either packed or one per tag.
func (f field) int64s() ([]int64, error) {
	if f.typ == protowire.VarintType {
		return []int64{int64(f.varint)}, nil
	}
	var out []int64
	b := f.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int64(v))
		b = b[n:]
	}
	return out, nil
}

func (f field) float32s() ([]float32, error) {
	if f.typ == protowire.Fixed32Type {
		return []float32{math.Float32frombits(f.fixed32)}, nil
	}
	var out []float32
	b := f.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float32frombits(v))
		b = b[n:]
	}
	return out, nil
}

// UnmarshalModel decodes the supported subset of an ONNX model. Unknown
// fields are skipped.
func UnmarshalModel(b []byte) (*ModelProto, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	m := &ModelProto{}
	for _, f := range fields {
		switch f.num {
		case 1:
			m.IrVersion = int64(f.varint)
		case 2:
			m.ProducerName = string(f.bytes)
		case 3:
			m.ProducerVersion = string(f.bytes)
		case 5:
			m.ModelVersion = int64(f.varint)
		case 6:
			m.DocString = string(f.bytes)
		case 7:
			if m.Graph, err = unmarshalGraph(f.bytes); err != nil {
				return nil, fmt.Errorf("graph: %w", err)
			}
		case 8:
			op, err := unmarshalOpset(f.bytes)
			if err != nil {
				return nil, fmt.Errorf("opset_import: %w", err)
			}
			m.OpsetImport = append(m.OpsetImport, op)
		}
	}
	return m, nil
}

func unmarshalOpset(b []byte) (*OperatorSetIdProto, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	op := &OperatorSetIdProto{}
	for _, f := range fields {
		switch f.num {
		case 1:
			op.Domain = string(f.bytes)
		case 2:
			op.Version = int64(f.varint)
		}
	}
	return op, nil
}

func unmarshalGraph(b []byte) (*GraphProto, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	g := &GraphProto{}
	for _, f := range fields {
		switch f.num {
		case 1:
			n, err := unmarshalNode(f.bytes)
			if err != nil {
				return nil, fmt.Errorf("node %d: %w", len(g.Node), err)
			}
			g.Node = append(g.Node, n)
		case 2:
			g.Name = string(f.bytes)
		case 5:
			t, err := unmarshalTensor(f.bytes)
			if err != nil {
				return nil, fmt.Errorf("initializer %d: %w", len(g.Initializer), err)
			}
			g.Initializer = append(g.Initializer, t)
		case 11, 12:
			v, err := unmarshalValueInfo(f.bytes)
			if err != nil {
				return nil, err
			}
			if f.num == 11 {
				g.Input = append(g.Input, v)
			} else {
				g.Output = append(g.Output, v)
			}
		}
	}
	return g, nil
}

func unmarshalNode(b []byte) (*NodeProto, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	n := &NodeProto{}
	for _, f := range fields {
		switch f.num {
		case 1:
			n.Input = append(n.Input, string(f.bytes))
		case 2:
			n.Output = append(n.Output, string(f.bytes))
		case 3:
			n.Name = string(f.bytes)
		case 4:
			n.OpType = string(f.bytes)
		case 5:
			a, err := unmarshalAttribute(f.bytes)
			if err != nil {
				return nil, err
			}
			n.Attribute = append(n.Attribute, a)
		}
	}
	return n, nil
}

func unmarshalAttribute(b []byte) (*AttributeProto, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	a := &AttributeProto{}
	for _, f := range fields {
		switch f.num {
		case 1:
			a.Name = string(f.bytes)
		case 2:
			a.F = math.Float32frombits(f.fixed32)
		case 3:
			a.I = int64(f.varint)
		case 8:
			ints, err := f.int64s()
			if err != nil {
				return nil, err
			}
			a.Ints = append(a.Ints, ints...)
		case 20:
			a.Type = AttributeType(f.varint)
		}
	}
	return a, nil
}

func unmarshalTensor(b []byte) (*TensorProto, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	t := &TensorProto{}
	for _, f := range fields {
		switch f.num {
		case 1:
			dims, err := f.int64s()
			if err != nil {
				return nil, err
			}
			t.Dims = append(t.Dims, dims...)
		case 2:
			t.DataType = int32(f.varint)
		case 4:
			data, err := f.float32s()
			if err != nil {
				return nil, err
			}
			t.FloatData = append(t.FloatData, data...)
		case 8:
			t.Name = string(f.bytes)
		case 9:
			if len(f.bytes)%4 != 0 {
				return nil, fmt.Errorf("raw_data length %d is not a multiple of 4", len(f.bytes))
			}
			for i := 0; i < len(f.bytes); i += 4 {
				bits := uint32(f.bytes[i]) | uint32(f.bytes[i+1])<<8 | uint32(f.bytes[i+2])<<16 | uint32(f.bytes[i+3])<<24
				t.FloatData = append(t.FloatData, math.Float32frombits(bits))
			}
		}
	}
	return t, nil
}

func unmarshalValueInfo(b []byte) (*ValueInfoProto, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	v := &ValueInfoProto{}
	for _, f := range fields {
		switch f.num {
		case 1:
			v.Name = string(f.bytes)
		case 2:
			if err := v.unmarshalType(f.bytes); err != nil {
				return nil, fmt.Errorf("value %s: %w", v.Name, err)
			}
		}
	}
	return v, nil
}

func (v *ValueInfoProto) unmarshalType(b []byte) error {
	typeFields, err := parseFields(b)
	if err != nil {
		return err
	}
	for _, tf := range typeFields {
		if tf.num != 1 { // tensor_type
			continue
		}
		tensorFields, err := parseFields(tf.bytes)
		if err != nil {
			return err
		}
		for _, f := range tensorFields {
			switch f.num {
			case 1:
				v.ElemType = int32(f.varint)
			case 2:
				if v.Dims, err = unmarshalShape(f.bytes); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func unmarshalShape(b []byte) ([]Dimension, error) {
	fields, err := parseFields(b)
	if err != nil {
		return nil, err
	}
	var dims []Dimension
	for _, f := range fields {
		if f.num != 1 {
			continue
		}
		dimFields, err := parseFields(f.bytes)
		if err != nil {
			return nil, err
		}
		var d Dimension
		for _, df := range dimFields {
			switch df.num {
			case 1:
				d.Value = int64(df.varint)
			case 2:
				d.Param = string(df.bytes)
			}
		}
		dims = append(dims, d)
	}
	return dims, nil
}
