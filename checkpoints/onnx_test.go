package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestONNXExport(t *testing.T) {
	net := smallVDSR(t, 1)
	checkpoint, err := NewCheckpoint(net, TrainingState{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "vdsr.onnx")
	if err := NewCheckpointSaver(FormatONNX).SaveCheckpoint(checkpoint, path); err != nil {
		t.Fatalf("ONNX export failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	// Top-level fields must be well-formed protobuf.
	seen := map[protowire.Number]bool{}
	for b := data; len(b) > 0; {
		num, _, n := protowire.ConsumeField(b)
		if n < 0 {
			t.Fatalf("malformed protobuf: %v", protowire.ParseError(n))
		}
		seen[num] = true
		b = b[n:]
	}
	for _, num := range []protowire.Number{1, 2, 7, 8} {
		if !seen[num] {
			t.Errorf("ModelProto field %d missing", num)
		}
	}

	model, err := UnmarshalModel(data)
	if err != nil {
		t.Fatalf("UnmarshalModel failed: %v", err)
	}
	if model.IrVersion != 7 || len(model.OpsetImport) != 1 || model.OpsetImport[0].Version != 13 {
		t.Errorf("unexpected header: ir %d opsets %v", model.IrVersion, model.OpsetImport)
	}

	graph := model.Graph
	ops := []string{"Conv", "Relu", "Conv", "Relu", "Conv", "Add"}
	if len(graph.Node) != len(ops) {
		t.Fatalf("graph has %d nodes, expected %d", len(graph.Node), len(ops))
	}
	for i, op := range ops {
		if graph.Node[i].OpType != op {
			t.Errorf("node %d is %s, expected %s", i, graph.Node[i].OpType, op)
		}
	}
	if skip := graph.Node[5].Input[1]; skip != "input" {
		t.Errorf("global skip reads %s, expected input", skip)
	}
	if len(graph.Initializer) != 6 {
		t.Errorf("graph has %d initializers, expected 6", len(graph.Initializer))
	}
	first := graph.Initializer[0]
	if len(first.FloatData) != 4*1*3*3 || first.FloatData[0] != net.Parameters()[0].Data[0] {
		t.Errorf("first initializer %s holds %d values", first.Name, len(first.FloatData))
	}

	in := graph.Input[0]
	if len(in.Dims) != 4 || in.Dims[0].Param != "batch" || in.Dims[1].Value != 1 || in.Dims[2].Param != "height" {
		t.Errorf("input dims = %+v", in.Dims)
	}
	if graph.Output[0].Name != "skip_output" {
		t.Errorf("output name = %s", graph.Output[0].Name)
	}
}

func TestONNXRoundTrip(t *testing.T) {
	net := smallVDSR(t, 3)
	checkpoint, err := NewCheckpoint(net, TrainingState{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "model.onnx")
	saver := NewCheckpointSaver(FormatONNX)
	if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	imported, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if imported.ModelSpec.Name != net.Name() {
		t.Errorf("imported name = %s", imported.ModelSpec.Name)
	}
	restored, err := imported.Network(1)
	if err != nil {
		t.Fatalf("Network failed: %v", err)
	}
	sameOutputs(t, net, restored)
}

func TestONNXImportErrors(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.onnx")
	os.WriteFile(garbage, []byte{0xff, 0xff, 0xff}, 0o644)
	if _, err := NewONNXImporter().ImportFromONNX(garbage); err == nil {
		t.Error("expected error for malformed file")
	}

	if _, err := NewONNXImporter().ImportFromONNX(filepath.Join(dir, "missing.onnx")); err == nil {
		t.Error("expected error for missing file")
	}

	unsupported := &ModelProto{Graph: &GraphProto{
		Input: []*ValueInfoProto{{Name: "x", Dims: []Dimension{{Param: "batch"}, {Value: 1}, {Value: 4}, {Value: 4}}}},
		Node:  []*NodeProto{{OpType: "Softmax", Name: "sm", Input: []string{"x"}, Output: []string{"y"}}},
	}}
	if _, err := NewONNXImporter().ConvertModel(unsupported); err == nil {
		t.Error("expected error for unsupported operator")
	}
}
