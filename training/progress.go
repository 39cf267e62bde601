package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-superres/layers"
)

// ProgressBar renders a single-line, carriage-return updated progress bar.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d",
		pb.description,
		percentage*100,
		bar,
		pb.current,
		pb.total,
	)

	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}

	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for key := range pb.metrics {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		line += fmt.Sprintf(", %s: %.4f", key, pb.metrics[key])
	}

	line += "]"
	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelArchitecturePrinter prints PyTorch-style model architecture
type ModelArchitecturePrinter struct {
	modelName string
}

func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{
		modelName: modelName,
	}
}

// PrintArchitecture writes the layer list and parameter totals to out.
func (p *ModelArchitecturePrinter) PrintArchitecture(out io.Writer, modelSpec *layers.ModelSpec) {
	fmt.Fprintf(out, "%s(\n", p.modelName)
	for i, layer := range modelSpec.Layers {
		fmt.Fprintf(out, "  %s\n", p.formatLayer(layer, i))
	}
	fmt.Fprintf(out, ")\n")
	fmt.Fprintf(out, "Total parameters: %s\n", formatParameterCount(modelSpec.TotalParameters))
	fmt.Fprintf(out, "Params size (MB): %.3f\n", float64(modelSpec.TotalParameters*4)/1024/1024)
}

func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec, index int) string {
	switch layer.Type {
	case layers.Conv2D:
		return p.formatConv2D(layer)
	case layers.ReLU:
		return fmt.Sprintf("(%s): ReLU()", layer.Name)
	case layers.Residual:
		source := layers.GetIntParam(layer.Parameters, "source", layers.ModelInput)
		from := "input"
		if source != layers.ModelInput {
			from = fmt.Sprintf("layer %d", source)
		}
		return fmt.Sprintf("(%s): Residual(from=%s)", layer.Name, from)
	default:
		return fmt.Sprintf("(%s): %s() #%d", layer.Name, layer.Type.String(), index)
	}
}

func (p *ModelArchitecturePrinter) formatConv2D(layer layers.LayerSpec) string {
	params := layer.Parameters
	inChannels := layers.GetIntParam(params, "input_channels", 0)
	outChannels := layers.GetIntParam(params, "output_channels", 0)
	kernelSize := layers.GetIntParam(params, "kernel_size", 0)
	stride := layers.GetIntParam(params, "stride", 1)
	padding := layers.GetIntParam(params, "padding", 0)
	useBias := layers.GetBoolParam(params, "use_bias", true)

	return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d), bias=%t)",
		layer.Name, inChannels, outChannels, kernelSize, kernelSize, stride, stride, padding, padding, useBias)
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}
