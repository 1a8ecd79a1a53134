package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/cuongbtq/offchain-agent/internal/domain"
)

// Extraction is the decoded form of one media source
type Extraction struct {
	Video    []byte   // canonical source bytes
	Audio    []byte   // mono 16 kHz WAV; nil when the source has no audio
	Frames   [][]byte // one PNG per second of video
	Metadata []byte   // canonical probe JSON
}

// Extractor decodes a source into frames, audio and metadata
type Extractor interface {
	Extract(ctx context.Context, source []byte) (*Extraction, error)
}

// FFmpegExtractor shells out to ffprobe and ffmpeg
type FFmpegExtractor struct {
	FFmpegPath  string
	FFprobePath string
	FrameRate   int // frames per second of video
	MaxFrames   int
	logger      *slog.Logger
}

// NewFFmpegExtractor creates an extractor; empty paths resolve from PATH
func NewFFmpegExtractor(ffmpegPath, ffprobePath string, frameRate, maxFrames int, logger *slog.Logger) *FFmpegExtractor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if frameRate <= 0 {
		frameRate = 1
	}
	if maxFrames <= 0 {
		maxFrames = 300
	}
	return &FFmpegExtractor{
		FFmpegPath:  ffmpegPath,
		FFprobePath: ffprobePath,
		FrameRate:   frameRate,
		MaxFrames:   maxFrames,
		logger:      logger,
	}
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
	} `json:"streams"`
}

// Extract decodes source. Undecodable input is a permanent error; a missing
// ffmpeg binary is fatal.
func (x *FFmpegExtractor) Extract(ctx context.Context, source []byte) (*Extraction, error) {
	if len(source) == 0 {
		return nil, domain.NewPermanentError(fmt.Errorf("%w: empty source", domain.ErrUnsupportedMedia))
	}

	dir, err := os.MkdirTemp("", "extract-*")
	if err != nil {
		return nil, domain.NewTransientError(fmt.Errorf("failed to create work dir: %w", err))
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "source")
	if err := os.WriteFile(input, source, 0o600); err != nil {
		return nil, domain.NewTransientError(fmt.Errorf("failed to write source: %w", err))
	}

	probe, err := x.run(ctx, x.FFprobePath, "-v", "error", "-print_format", "json", "-show_format", "-show_streams", input)
	if err != nil {
		return nil, err
	}

	metadata, err := canonicalProbe(probe)
	if err != nil {
		return nil, domain.NewPermanentError(fmt.Errorf("%w: %v", domain.ErrUnsupportedMedia, err))
	}

	var streams probeOutput
	if err := json.Unmarshal(probe, &streams); err != nil {
		return nil, domain.NewPermanentError(fmt.Errorf("%w: %v", domain.ErrUnsupportedMedia, err))
	}
	var hasVideo, hasAudio bool
	for _, s := range streams.Streams {
		switch s.CodecType {
		case "video":
			hasVideo = true
		case "audio":
			hasAudio = true
		}
	}
	if !hasVideo && !hasAudio {
		return nil, domain.NewPermanentError(fmt.Errorf("%w: no audio or video stream", domain.ErrUnsupportedMedia))
	}

	out := &Extraction{Video: source, Metadata: metadata}

	if hasAudio {
		wav := filepath.Join(dir, "audio.wav")
		if _, err := x.run(ctx, x.FFmpegPath, "-loglevel", "error", "-i", input,
			"-vn", "-ac", "1", "-ar", "16000", "-bitexact", "-f", "wav", wav); err != nil {
			return nil, err
		}
		if out.Audio, err = os.ReadFile(wav); err != nil {
			return nil, domain.NewTransientError(fmt.Errorf("failed to read audio: %w", err))
		}
	}

	if hasVideo {
		framesDir := filepath.Join(dir, "frames")
		if err := os.Mkdir(framesDir, 0o700); err != nil {
			return nil, domain.NewTransientError(fmt.Errorf("failed to create frames dir: %w", err))
		}
		if _, err := x.run(ctx, x.FFmpegPath, "-loglevel", "error", "-i", input,
			"-vf", "fps="+strconv.Itoa(x.FrameRate), "-frames:v", strconv.Itoa(x.MaxFrames),
			"-pix_fmt", "rgb24", "-bitexact", filepath.Join(framesDir, "frame-%05d.png")); err != nil {
			return nil, err
		}
		if out.Frames, err = readFrames(framesDir); err != nil {
			return nil, domain.NewTransientError(err)
		}
	}

	x.logger.Debug("Media extracted",
		slog.Int("source_bytes", len(source)),
		slog.Int("audio_bytes", len(out.Audio)),
		slog.Int("frames", len(out.Frames)),
	)
	return out, nil
}

func (x *FFmpegExtractor) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, domain.NewFatalError(fmt.Errorf("failed to run %s: %w", name, err))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewPermanentError(fmt.Errorf("%w: %s: %s", domain.ErrUnsupportedMedia, name, bytes.TrimSpace(stderr.Bytes())))
	}
	return stdout.Bytes(), nil
}

// canonicalProbe drops the temp file name from probe output and re-encodes
// it with sorted keys so the same source always hashes the same
func canonicalProbe(probe []byte) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(probe, &doc); err != nil {
		return nil, err
	}
	if format, ok := doc["format"].(map[string]any); ok {
		delete(format, "filename")
	}
	return json.Marshal(doc)
}

func readFrames(dir string) ([][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	frames := make([][]byte, 0, len(names))
	for _, name := range names {
		frame, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read frame %s: %w", name, err)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}
