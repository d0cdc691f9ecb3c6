// Package detector provides an HTTP client for a remote scene-understanding service that
// localizes faces, persons, objects and motion in a single video frame.
package detector

import (
	"context"

	"github.com/maauso/reframe-api/internal/saliency"
)

// Detector finds salient subjects in one encoded frame.
type Detector interface {
	// Detect returns the regions found in the JPEG-encoded image.
	Detect(ctx context.Context, image []byte) ([]saliency.Region, error)
}

// detectRequest represents the request body for the /detect endpoint.
type detectRequest struct {
	ImageBase64 string   `json:"image_base64"`
	Kinds       []string `json:"kinds,omitempty"`
}

// detectResponse represents the response from the /detect endpoint.
type detectResponse struct {
	Regions []regionPayload `json:"regions"`
	Error   string          `json:"error,omitempty"`
}

// regionPayload is one region as returned by the service.
type regionPayload struct {
	Kind       string     `json:"kind"`
	Box        boxPayload `json:"box"`
	Confidence float64    `json:"confidence"`
	Required   *bool      `json:"required,omitempty"`
}

type boxPayload struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}
