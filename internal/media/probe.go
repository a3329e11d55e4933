package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/maauso/mediaops-api/internal/process"
)

// ErrMetadataUnavailable is returned when a probe fails or yields unusable data.
var ErrMetadataUnavailable = errors.New("metadata unavailable")

// maxProbeOutput caps how much ffprobe JSON is read.
const maxProbeOutput = 4 << 20

// ProbeResult is the structured outcome of a metadata probe.
type ProbeResult struct {
	DurationSeconds float64      `json:"duration"`
	SizeBytes       int64        `json:"size"`
	FormatName      string       `json:"format,omitempty"`
	Video           *VideoStream `json:"video,omitempty"`
	Audio           *AudioStream `json:"audio,omitempty"`
}

// VideoStream describes the first video stream.
type VideoStream struct {
	Codec  string  `json:"codec"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	FPS    float64 `json:"fps"`
}

// AudioStream describes the first audio stream.
type AudioStream struct {
	Codec      string `json:"codec"`
	Channels   int    `json:"channels"`
	SampleRate int    `json:"sample_rate"`
}

// Prober inspects media files without modifying them.
type Prober interface {
	// Probe returns metadata for the file at path.
	// Failures wrap ErrMetadataUnavailable.
	Probe(ctx context.Context, path string) (*ProbeResult, error)
}

// Compile-time check that FFprobe implements Prober.
var _ Prober = (*FFprobe)(nil)

// FFprobe implements Prober with the ffprobe CLI run through a process.Runner.
type FFprobe struct {
	runner  process.Runner
	path    string
	timeout time.Duration
}

// NewFFprobe creates an FFprobe. An empty ffprobePath defaults to "ffprobe".
func NewFFprobe(runner process.Runner, ffprobePath string, timeout time.Duration) *FFprobe {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFprobe{runner: runner, path: ffprobePath, timeout: timeout}
}

// ProbeArgs returns the ffprobe argument vector for path.
func ProbeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
}

// Probe implements Prober.
func (p *FFprobe) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	stdout := &limitedBuffer{limit: maxProbeOutput}
	res, err := p.runner.Run(ctx, process.Invocation{
		Binary:  p.path,
		Args:    ProbeArgs(path),
		Timeout: p.timeout,
		Stdout:  stdout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMetadataUnavailable, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: ffprobe exited with code %d", ErrMetadataUnavailable, res.ExitCode)
	}
	if stdout.overflow {
		return nil, fmt.Errorf("%w: ffprobe output exceeds %d bytes", ErrMetadataUnavailable, maxProbeOutput)
	}
	return ParseProbeOutput(stdout.Bytes())
}

// ffprobeOutput mirrors the subset of ffprobe JSON that is used.
type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
}

type ffprobeStream struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AvgFrameRate string `json:"avg_frame_rate"`
	RFrameRate   string `json:"r_frame_rate"`
	Channels     int    `json:"channels"`
	SampleRate   string `json:"sample_rate"`
	Duration     string `json:"duration"`
}

// ParseProbeOutput converts ffprobe JSON into a ProbeResult.
func ParseProbeOutput(data []byte) (*ProbeResult, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: decode ffprobe output: %v", ErrMetadataUnavailable, err)
	}
	if out.Format.FormatName == "" && len(out.Streams) == 0 {
		return nil, fmt.Errorf("%w: ffprobe reported no format and no streams", ErrMetadataUnavailable)
	}

	result := &ProbeResult{
		DurationSeconds: parseFloat(out.Format.Duration),
		SizeBytes:       int64(parseFloat(out.Format.Size)),
		FormatName:      out.Format.FormatName,
	}

	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if result.Video != nil {
				continue
			}
			fps := ParseFrameRate(s.AvgFrameRate)
			if fps == 0 {
				fps = ParseFrameRate(s.RFrameRate)
			}
			result.Video = &VideoStream{
				Codec:  s.CodecName,
				Width:  s.Width,
				Height: s.Height,
				FPS:    fps,
			}
			if result.DurationSeconds == 0 {
				result.DurationSeconds = parseFloat(s.Duration)
			}
		case "audio":
			if result.Audio != nil {
				continue
			}
			result.Audio = &AudioStream{
				Codec:      s.CodecName,
				Channels:   s.Channels,
				SampleRate: int(parseFloat(s.SampleRate)),
			}
			if result.DurationSeconds == 0 {
				result.DurationSeconds = parseFloat(s.Duration)
			}
		}
	}

	return result, nil
}

// ParseFrameRate converts a rational "num/den" (or a plain number) to frames per second.
// A zero denominator or malformed input yields 0.
func ParseFrameRate(rate string) float64 {
	num, den, found := strings.Cut(strings.TrimSpace(rate), "/")
	if !found {
		return parseFloat(num)
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// limitedBuffer stops accepting data past limit and remembers that it did.
type limitedBuffer struct {
	bytes.Buffer
	limit    int
	overflow bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.Len(); len(p) > room {
		b.overflow = true
		if room > 0 {
			b.Buffer.Write(p[:room])
		}
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
