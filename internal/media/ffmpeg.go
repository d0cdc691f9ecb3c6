package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/maauso/reframe-api/internal/crop"
	"github.com/maauso/reframe-api/internal/reframe"
)

// Static errors for media operations.
var (
	// ErrInvalidInterval is returned when the sampling interval is not positive.
	ErrInvalidInterval = errors.New("media: invalid interval: must be positive")
	// ErrNoVideoStream is returned when the source has no video stream.
	ErrNoVideoStream = errors.New("media: no video stream found")
	// ErrNoInstructions is returned when RenderCrop is called without instructions.
	ErrNoInstructions = errors.New("media: no crop instructions provided")
	// ErrMixedCropSize is returned when instructions do not share one crop size.
	ErrMixedCropSize = errors.New("media: crop instructions must share one size")
	// ErrFFprobeExecution is returned when ffprobe command fails.
	ErrFFprobeExecution = errors.New("media: ffprobe execution failed")
)

// Compile-time check that FFmpegProcessor implements Processor.
var _ Processor = (*FFmpegProcessor)(nil)

// FFmpegProcessor implements Processor using the ffmpeg CLI.
type FFmpegProcessor struct {
	// ffmpegPath is the path to the ffmpeg binary. Defaults to "ffmpeg".
	ffmpegPath string
	// ffprobePath is the path to the ffprobe binary. Defaults to "ffprobe".
	ffprobePath string
	// sampleWidth scales sampled frames to this width when positive.
	sampleWidth int
}

// ProcessorOption configures an FFmpegProcessor.
type ProcessorOption func(*FFmpegProcessor)

// WithFFprobePath sets the ffprobe binary.
func WithFFprobePath(path string) ProcessorOption {
	return func(p *FFmpegProcessor) {
		if path != "" {
			p.ffprobePath = path
		}
	}
}

// WithSampleWidth downscales sampled frames to the given width, keeping the aspect
// ratio. Detection works in normalized coordinates, so smaller frames only save bandwidth.
func WithSampleWidth(width int) ProcessorOption {
	return func(p *FFmpegProcessor) {
		p.sampleWidth = width
	}
}

// NewFFmpegProcessor creates a new FFmpegProcessor.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH).
func NewFFmpegProcessor(ffmpegPath string, opts ...ProcessorOption) *FFmpegProcessor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	p := &FFmpegProcessor{ffmpegPath: ffmpegPath, ffprobePath: "ffprobe"}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// probeOutput is the subset of `ffprobe -of json` output we read.
type probeOutput struct {
	Streams []struct {
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
		Duration   string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe returns the resolution, duration and frame rate of the first video stream.
func (p *FFmpegProcessor) Probe(ctx context.Context, path string) (reframe.SourceInfo, error) {
	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,duration:format=duration",
		"-of", "json",
		path,
	)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return reframe.SourceInfo{}, fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return reframe.SourceInfo{}, fmt.Errorf("%w: %w, stderr: %s", ErrFFprobeExecution, err, stderr.String())
	}

	return parseProbeOutput(stdout.Bytes())
}

func parseProbeOutput(data []byte) (reframe.SourceInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return reframe.SourceInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(out.Streams) == 0 || out.Streams[0].Width <= 0 || out.Streams[0].Height <= 0 {
		return reframe.SourceInfo{}, ErrNoVideoStream
	}

	s := out.Streams[0]
	info := reframe.SourceInfo{
		Width:     s.Width,
		Height:    s.Height,
		FrameRate: parseFrameRate(s.RFrameRate),
	}

	// Containers usually report the duration on the format; raw streams only on the stream.
	for _, raw := range []string{out.Format.Duration, s.Duration} {
		if d, err := strconv.ParseFloat(raw, 64); err == nil && d > 0 {
			info.Duration = d
			break
		}
	}
	return info, nil
}

// parseFrameRate parses ffprobe's "num/den" rate. It returns 0 when unknown.
func parseFrameRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// Sample extracts one JPEG frame every interval seconds in [start, end).
// Frames are decoded lazily as the sequence is consumed. The sequence ends early
// without error if ffmpeg produces no image, which happens past the last frame.
func (p *FFmpegProcessor) Sample(ctx context.Context, path string, interval, start, end float64) iter.Seq2[reframe.Frame, error] {
	return func(yield func(reframe.Frame, error) bool) {
		if interval <= 0 {
			yield(reframe.Frame{}, fmt.Errorf("%w: got %.3f", ErrInvalidInterval, interval))
			return
		}

		for i := 0; ; i++ {
			ts := start + float64(i)*interval
			if ts >= end {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(reframe.Frame{}, err)
				return
			}

			img, err := p.extractFrame(ctx, path, ts)
			if err != nil {
				yield(reframe.Frame{}, fmt.Errorf("extract frame at %.3fs: %w", ts, err))
				return
			}
			if len(img) == 0 {
				return
			}
			if !yield(reframe.Frame{Index: i, Timestamp: ts, Image: img}, nil) {
				return
			}
		}
	}
}

// extractFrame decodes the frame at ts as a JPEG.
func (p *FFmpegProcessor) extractFrame(ctx context.Context, path string, ts float64) ([]byte, error) {
	args := []string{
		"-v", "error",
		"-ss", strconv.FormatFloat(ts, 'f', 3, 64), // Input seeking is fast and frame-accurate when re-encoding
		"-i", path,
		"-frames:v", "1",
	}
	if p.sampleWidth > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:-2", p.sampleWidth))
	}
	args = append(args,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "3",
		"pipe:1",
	)

	var stdout bytes.Buffer
	if err := p.runFFmpeg(ctx, args, &stdout); err != nil {
		return nil, err
	}
	return stdout.Bytes(), nil
}

// RenderCrop reframes src into dst by moving a fixed-size crop window through the
// instructions with a sendcmd script. Video is re-encoded with libx264; audio with aac.
func (p *FFmpegProcessor) RenderCrop(ctx context.Context, src, dst string, instructions []crop.Instruction) error {
	if len(instructions) == 0 {
		return ErrNoInstructions
	}
	size := instructions[0].Rect
	for _, in := range instructions[1:] {
		if in.Rect.Width != size.Width || in.Rect.Height != size.Height {
			return fmt.Errorf("%w: %dx%d and %dx%d", ErrMixedCropSize, size.Width, size.Height, in.Rect.Width, in.Rect.Height)
		}
	}

	script, err := p.createSendCmdScript(instructions)
	if err != nil {
		return fmt.Errorf("create sendcmd script: %w", err)
	}
	defer func() { _ = os.Remove(script) }()

	filter := fmt.Sprintf("sendcmd=f='%s',crop=w=%d:h=%d:x=%d:y=%d",
		escapeFilterPath(script), size.Width, size.Height, size.X, size.Y)

	args := []string{
		"-y",      // Overwrite output file without asking
		"-i", src, // Input file
		"-vf", filter, // Moving crop window
		"-c:v", "libx264", // Video codec
		"-preset", "fast", // Encoding speed preset
		"-crf", "23", // Quality (lower = better, 23 is default)
		"-pix_fmt", "yuv420p", // Pixel format for compatibility
		"-c:a", "aac", // Audio codec
		"-b:a", "128k", // Audio bitrate
		dst, // Output file
	}
	return p.runFFmpeg(ctx, args, nil)
}

// createSendCmdScript writes the instructions to a temporary sendcmd file.
func (p *FFmpegProcessor) createSendCmdScript(instructions []crop.Instruction) (string, error) {
	f, err := os.CreateTemp("", "reframe-sendcmd-*.txt")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := crop.WriteSendCmd(f, instructions); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// escapeFilterPath escapes a path for use inside a quoted filtergraph option.
func escapeFilterPath(path string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `'\''`)
	return r.Replace(path)
}

// runFFmpeg executes ffmpeg with the given arguments and returns an error
// containing stderr output if the command fails. Stdout goes to stdout when non-nil.
func (p *FFmpegProcessor) runFFmpeg(ctx context.Context, args []string, stdout *bytes.Buffer) error {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if stdout != nil {
		cmd.Stdout = stdout
	}

	err := cmd.Run()
	if err != nil {
		// Check if context was cancelled
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return &FFmpegError{
			Args:   args,
			Stderr: stderr.String(),
			Err:    err,
		}
	}

	return nil
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}
