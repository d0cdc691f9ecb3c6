// Package media provides video probing, frame sampling and crop rendering on top of the
// ffmpeg and ffprobe command-line tools.
package media

import (
	"context"

	"github.com/maauso/reframe-api/internal/crop"
	"github.com/maauso/reframe-api/internal/reframe"
)

// Processor defines the media operations the service needs around the reframing engine.
// Implementations should use ffmpeg or similar tools for media manipulation.
type Processor interface {
	// Probe and Sample feed the engine.
	reframe.Sampler

	// RenderCrop applies compiled crop instructions to src and writes the reframed video
	// to dst. Every instruction must share the same crop size.
	RenderCrop(ctx context.Context, src, dst string, instructions []crop.Instruction) error
}
