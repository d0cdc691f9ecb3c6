package crop

import (
	"fmt"
	"io"
	"math"

	"github.com/maauso/reframe-api/internal/motion"
)

// Rect is a crop rectangle in source pixels.
type Rect struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Instruction holds one crop rectangle for the time range [Start, End).
type Instruction struct {
	Start float64 `json:"start" yaml:"start"`
	End   float64 `json:"end" yaml:"end"`
	Rect  Rect    `json:"rect" yaml:"rect"`
}

// FrameRect is the crop rectangle of a single output frame.
type FrameRect struct {
	Index     int     `json:"index" yaml:"index"`
	Timestamp float64 `json:"timestamp" yaml:"timestamp"`
	Rect      Rect    `json:"rect" yaml:"rect"`
}

// coalesceTolerance is the pixel distance under which consecutive samples share a range.
const coalesceTolerance = 1

// Compile converts a trajectory into time-ranged pixel crop rectangles for a source of
// the given resolution. Consecutive samples whose offsets stay within one pixel of the
// open range are merged, so the instruction count follows actual camera motion.
func Compile(tr motion.Trajectory, aspect AspectRatio, sourceWidth, sourceHeight int) ([]Instruction, error) {
	dims, err := ComputeDimensions(aspect, sourceWidth, sourceHeight)
	if err != nil {
		return nil, err
	}
	return CompileDimensions(tr, dims), nil
}

// CompileDimensions is Compile for precomputed dimensions.
func CompileDimensions(tr motion.Trajectory, dims Dimensions) []Instruction {
	if len(tr.Samples) == 0 {
		return []Instruction{}
	}

	out := make([]Instruction, 0, 1)
	start := math.Min(tr.Start, tr.Samples[0].Timestamp)
	end := math.Max(tr.End, tr.Samples[len(tr.Samples)-1].Timestamp)

	current := Instruction{Start: start, Rect: dims.RectAt(tr.Samples[0].CenterX, tr.Samples[0].CenterY)}
	for _, s := range tr.Samples[1:] {
		r := dims.RectAt(s.CenterX, s.CenterY)
		if near(current.Rect, r) {
			continue
		}
		current.End = s.Timestamp
		out = append(out, current)
		current = Instruction{Start: s.Timestamp, Rect: r}
	}
	current.End = end
	return append(out, current)
}

// RectAt converts a normalized crop center into a clamped pixel rectangle.
func (d Dimensions) RectAt(centerX, centerY float64) Rect {
	x := math.Round(centerX*float64(d.SourceWidth) - float64(d.CropWidth)/2)
	y := math.Round(centerY*float64(d.SourceHeight) - float64(d.CropHeight)/2)
	return Rect{
		X:      clampInt(int(x), 0, d.SourceWidth-d.CropWidth),
		Y:      clampInt(int(y), 0, d.SourceHeight-d.CropHeight),
		Width:  d.CropWidth,
		Height: d.CropHeight,
	}
}

// Frames expands a trajectory into one rectangle per output frame at fps, interpolating
// between trajectory samples.
func Frames(tr motion.Trajectory, dims Dimensions, fps float64) []FrameRect {
	if fps <= 0 || len(tr.Samples) == 0 {
		return []FrameRect{}
	}

	n := int(math.Ceil((tr.End - tr.Start) * fps))
	if n < 1 {
		n = 1
	}
	out := make([]FrameRect, 0, n)
	for i := 0; i < n; i++ {
		t := tr.Start + float64(i)/fps
		s := tr.At(t)
		out = append(out, FrameRect{Index: i, Timestamp: t, Rect: dims.RectAt(s.CenterX, s.CenterY)})
	}
	return out
}

// WriteSendCmd writes an ffmpeg sendcmd script that moves a crop filter through the
// instructions. The crop filter must be configured with the instructions' size.
func WriteSendCmd(w io.Writer, instructions []Instruction) error {
	for _, in := range instructions {
		if _, err := fmt.Fprintf(w, "%.3f crop x %d, crop y %d;\n", in.Start, in.Rect.X, in.Rect.Y); err != nil {
			return fmt.Errorf("write sendcmd: %w", err)
		}
	}
	return nil
}

func near(a, b Rect) bool {
	return abs(a.X-b.X) <= coalesceTolerance && abs(a.Y-b.Y) <= coalesceTolerance
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
