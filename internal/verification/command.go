package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"fieldop-service/internal/domain/fieldop"
	"fieldop-service/internal/utils"
)

// unrecognisedMarker is what the recognition backends print for "no vehicle number".
const unrecognisedMarker = "未识别"

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

type DetectorResponse struct {
	Detections []Detection `json:"detections"`
}

type DetectorConfig struct {
	Command         string
	Args            []string
	PositiveClasses []string
	ConfThreshold   float64
}

// CommandDetector runs an object detector per frame and treats any confident
// detection of a positive class as confirmation.
type CommandDetector struct {
	cfg DetectorConfig
	run Runner
}

func NewCommandDetector(cfg DetectorConfig, run Runner) (*CommandDetector, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("detector: command is required")
	}
	if len(cfg.PositiveClasses) == 0 {
		return nil, errors.New("detector: at least one positive class is required")
	}
	if run == nil {
		run = ExecRunner
	}
	return &CommandDetector{cfg: cfg, run: run}, nil
}

func (d *CommandDetector) Evaluate(ctx context.Context, frame fieldop.FrameSample) (fieldop.Outcome, error) {
	args := append(append([]string{}, d.cfg.Args...), frame.Path)
	out, err := d.run(ctx, d.cfg.Command, args...)
	if err != nil {
		return fieldop.Indeterminate, err
	}

	var resp DetectorResponse
	if err := json.Unmarshal(bytes.TrimSpace(out), &resp); err != nil {
		return fieldop.Indeterminate, fmt.Errorf("detector: decode output: %w", err)
	}
	return d.classify(resp.Detections), nil
}

func (d *CommandDetector) classify(detections []Detection) fieldop.Outcome {
	for _, det := range detections {
		if det.Confidence < d.cfg.ConfThreshold {
			continue
		}
		class := strings.ToLower(det.Class)
		for _, positive := range d.cfg.PositiveClasses {
			if strings.Contains(class, strings.ToLower(positive)) {
				return fieldop.Positive
			}
		}
	}
	return fieldop.Negative
}

// AlprResponse is the JSON document printed by ALPR-style recognisers.
type AlprResponse struct {
	Version        float32      `json:"version"`
	DataType       string       `json:"data_type"`
	EpochTime      float64      `json:"epoch_time"`
	ImgWidth       int          `json:"img_width"`
	ImgHeight      int          `json:"img_height"`
	ProcessingTime float64      `json:"processing_time_ms"`
	Results        []AlprResult `json:"results"`
}

type AlprResult struct {
	Plate      string  `json:"plate"`
	Confidence float64 `json:"confidence"`
	Region     string  `json:"region"`
}

type RecognizerConfig struct {
	Command string
	Args    []string
}

type CommandRecognizer struct {
	cfg RecognizerConfig
	run Runner
}

func NewCommandRecognizer(cfg RecognizerConfig, run Runner) (*CommandRecognizer, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("recognizer: command is required")
	}
	if run == nil {
		run = ExecRunner
	}
	return &CommandRecognizer{cfg: cfg, run: run}, nil
}

// Recognize returns the highest-confidence vehicle number in the frame.
func (r *CommandRecognizer) Recognize(ctx context.Context, frame fieldop.FrameSample) (string, error) {
	args := append(append([]string{}, r.cfg.Args...), frame.Path)
	out, err := r.run(ctx, r.cfg.Command, args...)
	if err != nil {
		return "", err
	}

	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return "", nil
	}

	var resp AlprResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return "", fmt.Errorf("recognizer: decode output: %w", err)
	}

	var (
		best     string
		bestConf = -1.0
	)
	for _, res := range resp.Results {
		if strings.Contains(res.Plate, unrecognisedMarker) {
			continue
		}
		plate := utils.NormalizePlate(res.Plate)
		if plate == "" {
			continue
		}
		if res.Confidence > bestConf {
			best, bestConf = plate, res.Confidence
		}
	}
	return best, nil
}
