// Package media builds ffmpeg invocations for media operations and probes media files
// with ffprobe. Commands are argument vectors; no shell is ever involved.
package media

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/maauso/mediaops-api/internal/operation"
	"github.com/maauso/mediaops-api/internal/process"
)

// Static errors for command building.
var (
	// ErrNoCommand is returned for operations that do not run ffmpeg.
	ErrNoCommand = errors.New("operation does not run ffmpeg")
	// ErrInputCount is returned when the number of inputs does not match the operation.
	ErrInputCount = errors.New("wrong number of inputs")
)

// rotations maps clockwise angles to transpose filter chains.
var rotations = map[int]string{
	90:  "transpose=1",
	180: "transpose=1,transpose=1",
	270: "transpose=2",
}

// Request holds everything a command needs besides the operation itself.
type Request struct {
	// Inputs are resolved file paths, ordered as the operation expects.
	Inputs []string
	// Probe is the metadata of Inputs[0]; required when the operation needs a probe.
	Probe *ProbeResult
	// OutputDir is where output files are written.
	OutputDir string
	// OutputName is the base file name for outputs, without extension.
	OutputName string
}

// Plan is a ready-to-run ffmpeg invocation plus what it is expected to produce.
type Plan struct {
	Binary string
	Args   []string
	Class  operation.Class
	// Outputs lists exact output paths for single-output operations.
	Outputs []string
	// Pattern is a glob matching the outputs of multi-output operations.
	Pattern string
	// MaxOutputs caps how many pattern matches are kept. Zero means no cap.
	MaxOutputs int
	// Timestamps are the source times of thumbnail frames, in output order.
	Timestamps []float64
}

// Invocation converts the plan into a process invocation.
func (p Plan) Invocation(timeout time.Duration) process.Invocation {
	return process.Invocation{Binary: p.Binary, Args: p.Args, Timeout: timeout}
}

// Builder turns operations into ffmpeg plans.
type Builder struct {
	ffmpegPath string
	presets    *Presets
}

// NewBuilder creates a Builder. An empty ffmpegPath defaults to "ffmpeg";
// nil presets default to the built-in export formats.
func NewBuilder(ffmpegPath string, presets *Presets) *Builder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if presets == nil {
		presets = DefaultPresets()
	}
	return &Builder{ffmpegPath: ffmpegPath, presets: presets}
}

// Presets returns the export allow-list in use.
func (b *Builder) Presets() *Presets {
	return b.presets
}

// Build returns the plan for op. It performs no I/O.
func (b *Builder) Build(op operation.Operation, req Request) (Plan, error) {
	if op.Kind == operation.KindMetadata {
		return Plan{}, ErrNoCommand
	}
	if err := op.Validate(); err != nil {
		return Plan{}, err
	}
	if len(req.Inputs) != op.Arity() {
		return Plan{}, fmt.Errorf("%w: %w: %s takes %d, got %d",
			operation.ErrInvalidParams, ErrInputCount, op.Kind, op.Arity(), len(req.Inputs))
	}

	var (
		plan Plan
		err  error
	)
	switch p := op.Params.(type) {
	case *operation.Trim:
		plan, err = b.trim(p, req)
	case *operation.Crop:
		plan, err = b.crop(p, req)
	case *operation.Rotate:
		plan, err = b.rotate(p, req)
	case *operation.BrightnessContrast:
		plan = b.brightnessContrast(p, req)
	case *operation.AddAudio:
		plan = b.addAudio(req)
	case *operation.RemoveAudio:
		plan = b.removeAudio(req)
	case *operation.ExtractAudio:
		plan = b.extractAudio(req)
	case *operation.Split:
		plan = b.split(p, req)
	case *operation.Thumbnail:
		plan, err = b.thumbnail(p, req)
	case *operation.Transition:
		plan, err = b.transition(p, req)
	case *operation.Export:
		plan, err = b.export(p, req)
	default:
		return Plan{}, fmt.Errorf("%w: unsupported operation %s", operation.ErrInvalidParams, op.Kind)
	}
	if err != nil {
		return Plan{}, err
	}

	plan.Binary = b.ffmpegPath
	plan.Class = op.Class()
	return plan, nil
}

// base returns the arguments shared by every ffmpeg run.
func base(inputs ...string) []string {
	args := []string{"-hide_banner", "-nostdin", "-y"}
	for _, in := range inputs {
		args = append(args, "-i", in)
	}
	return args
}

func (b *Builder) trim(p *operation.Trim, req Request) (Plan, error) {
	out := req.output(extOr(req.Inputs[0], ".mp4"))
	args := []string{"-hide_banner", "-nostdin", "-y",
		"-ss", seconds(p.Start),
		"-i", req.Inputs[0],
		"-t", seconds(p.End - p.Start),
	}
	if p.Reencode {
		args = append(args,
			"-c:v", "libx264",
			"-preset", "fast",
			"-crf", "23",
			"-c:a", "aac",
			"-b:a", "128k",
		)
	} else {
		args = append(args,
			"-c", "copy",
			"-avoid_negative_ts", "make_zero",
		)
	}
	args = append(args, out)
	return Plan{Args: args, Outputs: []string{out}}, nil
}

func (b *Builder) crop(p *operation.Crop, req Request) (Plan, error) {
	if req.Probe == nil || req.Probe.Video == nil {
		return Plan{}, fmt.Errorf("%w: crop needs source dimensions", ErrMetadataUnavailable)
	}
	v := req.Probe.Video
	if p.X+p.Width > v.Width || p.Y+p.Height > v.Height {
		return Plan{}, fmt.Errorf("%w: crop %dx%d at (%d,%d) exceeds source %dx%d",
			operation.ErrInvalidParams, p.Width, p.Height, p.X, p.Y, v.Width, v.Height)
	}

	out := req.output(".mp4")
	filter := fmt.Sprintf("crop=%d:%d:%d:%d", p.Width, p.Height, p.X, p.Y)
	args := append(base(req.Inputs[0]), "-vf", filter, "-c:a", "copy", out)
	return Plan{Args: args, Outputs: []string{out}}, nil
}

func (b *Builder) rotate(p *operation.Rotate, req Request) (Plan, error) {
	filter, ok := rotations[p.Angle]
	if !ok {
		return Plan{}, fmt.Errorf("%w: unsupported angle %d", operation.ErrInvalidParams, p.Angle)
	}
	out := req.output(".mp4")
	args := append(base(req.Inputs[0]), "-vf", filter, "-c:a", "copy", out)
	return Plan{Args: args, Outputs: []string{out}}, nil
}

func (b *Builder) brightnessContrast(p *operation.BrightnessContrast, req Request) Plan {
	out := req.output(".mp4")
	filter := "eq=brightness=" + number(p.Brightness) + ":contrast=" + number(p.Contrast)
	args := append(base(req.Inputs[0]), "-vf", filter, "-c:a", "copy", out)
	return Plan{Args: args, Outputs: []string{out}}
}

func (b *Builder) addAudio(req Request) Plan {
	out := req.output(".mp4")
	args := append(base(req.Inputs[0], req.Inputs[1]),
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-shortest",
		out,
	)
	return Plan{Args: args, Outputs: []string{out}}
}

func (b *Builder) removeAudio(req Request) Plan {
	out := req.output(extOr(req.Inputs[0], ".mp4"))
	args := append(base(req.Inputs[0]), "-c", "copy", "-an", out)
	return Plan{Args: args, Outputs: []string{out}}
}

func (b *Builder) extractAudio(req Request) Plan {
	out := req.output(".wav")
	args := append(base(req.Inputs[0]),
		"-vn",
		"-ac", "2",
		"-ar", "48000",
		"-acodec", "pcm_s16le",
		out,
	)
	return Plan{Args: args, Outputs: []string{out}}
}

func (b *Builder) split(p *operation.Split, req Request) Plan {
	chunk := seconds(p.ChunkDurationSeconds)
	pattern := filepath.Join(req.OutputDir, req.OutputName+"_part_%03d.mp4")
	args := append(base(req.Inputs[0]),
		"-map", "0",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-crf", "23",
		"-c:a", "aac",
		"-b:a", "128k",
		"-force_key_frames", "expr:gte(t,n_forced*"+chunk+")",
		"-f", "segment",
		"-segment_time", chunk,
		"-reset_timestamps", "1",
		pattern,
	)
	return Plan{
		Args:    args,
		Pattern: filepath.Join(req.OutputDir, req.OutputName+"_part_*.mp4"),
	}
}

func (b *Builder) thumbnail(p *operation.Thumbnail, req Request) (Plan, error) {
	if req.Probe == nil || req.Probe.DurationSeconds <= 0 {
		return Plan{}, fmt.Errorf("%w: thumbnails need a known duration", ErrMetadataUnavailable)
	}

	interval := req.Probe.DurationSeconds / float64(p.Count)
	timestamps := make([]float64, p.Count)
	for i := range timestamps {
		timestamps[i] = float64(i) * interval
	}

	pattern := filepath.Join(req.OutputDir, req.OutputName+"_thumb_%03d.png")
	args := append(base(req.Inputs[0]),
		"-vf", "fps=1/"+number(interval),
		"-frames:v", strconv.Itoa(p.Count),
		pattern,
	)
	return Plan{
		Args:       args,
		Pattern:    filepath.Join(req.OutputDir, req.OutputName+"_thumb_*.png"),
		MaxOutputs: p.Count,
		Timestamps: timestamps,
	}, nil
}

func (b *Builder) transition(p *operation.Transition, req Request) (Plan, error) {
	if req.Probe == nil || req.Probe.DurationSeconds <= 0 {
		return Plan{}, fmt.Errorf("%w: transitions need a known duration", ErrMetadataUnavailable)
	}
	total := req.Probe.DurationSeconds
	d := p.DurationSeconds

	var filter string
	switch p.Type {
	case "fade":
		if 2*d > total {
			return Plan{}, fmt.Errorf("%w: fade of %ss in and out exceeds duration %ss",
				operation.ErrInvalidParams, number(d), number(total))
		}
		filter = fmt.Sprintf("fade=t=in:st=0:d=%s,fade=t=out:st=%s:d=%s", number(d), number(total-d), number(d))
	case "dissolve":
		if d > total {
			return Plan{}, fmt.Errorf("%w: dissolve of %ss exceeds duration %ss",
				operation.ErrInvalidParams, number(d), number(total))
		}
		filter = fmt.Sprintf("fade=t=out:st=%s:d=%s", number(total-d), number(d))
	default:
		return Plan{}, fmt.Errorf("%w: unsupported transition %q", operation.ErrInvalidParams, p.Type)
	}

	out := req.output(".mp4")
	args := append(base(req.Inputs[0]), "-vf", filter, "-c:a", "copy", out)
	return Plan{Args: args, Outputs: []string{out}}, nil
}

func (b *Builder) export(p *operation.Export, req Request) (Plan, error) {
	preset, ok := b.presets.Lookup(p.Format)
	if !ok {
		return Plan{}, fmt.Errorf("%w: format %q is not one of %s",
			operation.ErrInvalidParams, p.Format, strings.Join(b.presets.Formats(), ", "))
	}

	out := req.output(preset.Extension)
	args := append(base(req.Inputs[0]), "-c:v", preset.VideoCodec)
	args = append(args, preset.VideoArgs...)
	if preset.AudioCodec != "" {
		args = append(args, "-c:a", preset.AudioCodec)
		args = append(args, preset.AudioArgs...)
	} else {
		args = append(args, "-an")
	}
	args = append(args, preset.ExtraArgs...)
	args = append(args, out)
	return Plan{Args: args, Outputs: []string{out}}, nil
}

func (r Request) output(ext string) string {
	return filepath.Join(r.OutputDir, r.OutputName+ext)
}

// extOr returns the lowercase extension of path, or fallback when it has none.
func extOr(path, fallback string) string {
	if ext := strings.ToLower(filepath.Ext(path)); ext != "" {
		return ext
	}
	return fallback
}

// seconds formats a time offset with millisecond precision.
func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// number formats a float without trailing zeros.
func number(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
