package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/maauso/reframe-api/internal/crop"
	"github.com/maauso/reframe-api/internal/reframe"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

// planDocument is the file written by analyze and read by render --plan.
type planDocument struct {
	Video          string `json:"video" yaml:"video"`
	reframe.Result `yaml:",inline"`
	// Frames holds one rectangle per output frame when requested with --fps.
	Frames []crop.FrameRect `json:"frames,omitempty" yaml:"frames,omitempty"`
}

func newPlanDocument(video string, res *reframe.Result, fps float64) planDocument {
	doc := planDocument{Video: video, Result: *res}
	if fps > 0 {
		doc.Frames = crop.Frames(res.Trajectory, res.Dimensions, fps)
	}
	return doc
}

// formatFromPath picks yaml for .yaml and .yml files and json otherwise.
func formatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatJSON
	}
}

func writePlan(w io.Writer, doc planDocument, format string) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode plan: %w", err)
		}
		return nil
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode plan: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("%w: %q", errUnknownFormat, format)
	}
}

// writePlanFile writes the plan to path, or to w when path is empty.
func writePlanFile(w io.Writer, path string, doc planDocument, format string) error {
	if path == "" {
		return writePlan(w, doc, format)
	}
	f, err := os.Create(path) // #nosec G304 - path comes from the command line
	if err != nil {
		return fmt.Errorf("create plan file: %w", err)
	}
	if err := writePlan(f, doc, format); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func readPlan(path string) (*planDocument, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from the command line
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}

	var doc planDocument
	if formatFromPath(path) == formatYAML {
		err = yaml.Unmarshal(data, &doc)
	} else {
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("decode plan %s: %w", path, err)
	}
	return &doc, nil
}
