package transcribe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"fieldop-service/internal/domain/fieldop"
)

// Transcriber turns an audio file into timestamped utterances.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) ([]fieldop.Utterance, error)
}

type StaticTranscriber struct {
	Utterances []fieldop.Utterance
}

func (s StaticTranscriber) Transcribe(context.Context, string) ([]fieldop.Utterance, error) {
	out := make([]fieldop.Utterance, len(s.Utterances))
	copy(out, s.Utterances)
	return out, nil
}

// LoadFile reads a JSON array of {"timestamp","text"} or {"start","end","text"}.
func LoadFile(path string) (StaticTranscriber, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return StaticTranscriber{}, fmt.Errorf("read transcript: %w", err)
	}
	var lines []line
	if err := json.Unmarshal(data, &lines); err != nil {
		return StaticTranscriber{}, fmt.Errorf("decode transcript %s: %w", path, err)
	}
	utterances := make([]fieldop.Utterance, 0, len(lines))
	for _, l := range lines {
		if u, ok := l.utterance(); ok {
			utterances = append(utterances, u)
		}
	}
	return StaticTranscriber{Utterances: utterances}, nil
}

type line struct {
	Timestamp *float64 `json:"timestamp"`
	Start     *float64 `json:"start"`
	End       *float64 `json:"end"`
	Text      string   `json:"text"`
}

// utterance anchors segments to their end, where the spoken action finishes.
func (l line) utterance() (fieldop.Utterance, bool) {
	text := strings.TrimSpace(l.Text)
	if text == "" {
		return fieldop.Utterance{}, false
	}
	switch {
	case l.End != nil:
		return fieldop.Utterance{Timestamp: *l.End, Text: text}, true
	case l.Timestamp != nil:
		return fieldop.Utterance{Timestamp: *l.Timestamp, Text: text}, true
	case l.Start != nil:
		return fieldop.Utterance{Timestamp: *l.Start, Text: text}, true
	}
	return fieldop.Utterance{}, false
}

type CommandConfig struct {
	Command string
	Args    []string
}

// CommandTranscriber runs a speech-to-text program that prints one JSON
// object per line on stdout.
type CommandTranscriber struct {
	cfg CommandConfig
	log zerolog.Logger
}

func NewCommandTranscriber(cfg CommandConfig, log zerolog.Logger) (*CommandTranscriber, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("transcribe: command is required")
	}
	return &CommandTranscriber{cfg: cfg, log: log.With().Str("component", "transcriber").Logger()}, nil
}

func (t *CommandTranscriber) Transcribe(ctx context.Context, audioPath string) ([]fieldop.Utterance, error) {
	if _, err := os.Stat(audioPath); err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}

	args := append(append([]string{}, t.cfg.Args...), audioPath)
	cmd := exec.CommandContext(ctx, t.cfg.Command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transcribe: start %s: %w", t.cfg.Command, err)
	}

	utterances, scanErr := ParseLines(stdout, t.log)
	// Wait closes the pipe, so the rest of the output has to be read first.
	_, _ = io.Copy(io.Discard, stdout)
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("transcribe: %s: %w: %s", t.cfg.Command, err, strings.TrimSpace(stderr.String()))
	}
	if scanErr != nil {
		return nil, fmt.Errorf("transcribe: read output: %w", scanErr)
	}

	t.log.Info().Str("audio", audioPath).Int("utterances", len(utterances)).Msg("transcription finished")
	return utterances, nil
}

// ParseLines reads JSON-lines transcript output. Lines that are not JSON
// objects, or that carry no text, are ignored.
func ParseLines(r io.Reader, log zerolog.Logger) ([]fieldop.Utterance, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var utterances []fieldop.Utterance
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || !strings.HasPrefix(raw, "{") {
			continue
		}
		var l line
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			log.Debug().Err(err).Str("line", raw).Msg("skipping transcript line")
			continue
		}
		if u, ok := l.utterance(); ok {
			utterances = append(utterances, u)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return utterances, err
	}
	return utterances, nil
}
