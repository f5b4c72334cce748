// Package analyze loads a tabular dataset and runs summary,
// correlation, or plot operations over it. Chart output is written as
// JSON series artifacts for the UI layer to render.
package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"deskagent/internal/capability"
	"deskagent/internal/storage"
)

const (
	OpSummary     = "summary"
	OpCorrelation = "correlation"
	OpPlot        = "plot"
)

type Capability struct {
	artifactsDir string
	logger       zerolog.Logger
}

type Config struct {
	ArtifactsDir string
	Logger       zerolog.Logger
}

func New(cfg Config) *Capability {
	if cfg.ArtifactsDir == "" {
		cfg.ArtifactsDir = "artifacts"
	}
	return &Capability{artifactsDir: cfg.ArtifactsDir, logger: cfg.Logger}
}

var _ capability.Capability = (*Capability)(nil)

func (c *Capability) Kind() storage.Kind { return storage.KindAnalysis }

func (c *Capability) Handle(ctx context.Context, req capability.Request) (storage.Record, error) {
	ar, ok := req.(capability.AnalyzeRequest)
	if !ok {
		return nil, fmt.Errorf("analyze capability: unexpected request type %T", req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ds, err := loadDataset(ar.DatasetRef)
	if err != nil {
		return nil, &capability.DataFormatError{Ref: ar.DatasetRef, Err: err}
	}
	if len(ds.Columns) == 0 {
		return nil, &capability.DataFormatError{Ref: ar.DatasetRef, Err: fmt.Errorf("no columns")}
	}

	rec := storage.AnalysisRecord{
		DatasetRef: ar.DatasetRef,
		Operation:  ar.Operation,
	}

	switch ar.Operation {
	case OpSummary:
		rec.Stats = summarize(ds)

	case OpCorrelation:
		var cols []string
		if raw := strings.TrimSpace(ar.Params["columns"]); raw != "" {
			for _, c := range strings.Split(raw, ",") {
				cols = append(cols, strings.TrimSpace(c))
			}
		}
		matrix := correlate(ds, cols)
		if len(matrix) == 0 {
			return nil, &capability.DataFormatError{Ref: ar.DatasetRef, Err: fmt.Errorf("no numeric columns to correlate")}
		}
		ref, err := c.writeArtifact("corr", matrix)
		if err != nil {
			return nil, err
		}
		rec.Stats = summarize(ds)
		rec.Artifacts = []string{ref}

	case OpPlot:
		ref, err := c.plot(ds, ar)
		if err != nil {
			return nil, err
		}
		rec.Stats = summarize(ds)
		rec.Artifacts = []string{ref}

	default:
		return nil, &capability.DataFormatError{Ref: ar.DatasetRef, Err: fmt.Errorf("unknown analysis operation %q", ar.Operation)}
	}

	c.logger.Debug().Str("dataset", ar.DatasetRef).Str("op", ar.Operation).Msg("analysis completed")
	return rec, nil
}

type chartArtifact struct {
	Type   string   `json:"type"`
	Title  string   `json:"title,omitempty"`
	XLabel string   `json:"x_label"`
	YLabel string   `json:"y_label,omitempty"`
	X      []string `json:"x"`
	Y      []string `json:"y,omitempty"`
}

func (c *Capability) plot(ds Dataset, ar capability.AnalyzeRequest) (string, error) {
	xCol := strings.TrimSpace(ar.Params["x_column"])
	if xCol == "" {
		return "", &capability.DataFormatError{Ref: ar.DatasetRef, Err: fmt.Errorf("x_column not specified")}
	}
	xs, ok := ds.Column(xCol)
	if !ok {
		return "", &capability.DataFormatError{Ref: ar.DatasetRef, Err: fmt.Errorf("unknown column %q", xCol)}
	}

	chart := chartArtifact{
		Type:   ar.Params["plot_type"],
		Title:  ar.Params["title"],
		XLabel: xCol,
		X:      xs,
	}
	if chart.Type == "" {
		chart.Type = "bar"
	}
	if yCol := strings.TrimSpace(ar.Params["y_column"]); yCol != "" {
		ys, ok := ds.Column(yCol)
		if !ok {
			return "", &capability.DataFormatError{Ref: ar.DatasetRef, Err: fmt.Errorf("unknown column %q", yCol)}
		}
		chart.YLabel = yCol
		chart.Y = ys
	}

	return c.writeArtifact("chart", chart)
}

func (c *Capability) writeArtifact(prefix string, v any) (string, error) {
	if err := os.MkdirAll(c.artifactsDir, 0o755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.json", prefix, uuid.NewString())
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal artifact: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.artifactsDir, name), b, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return name, nil
}
