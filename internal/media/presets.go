package media

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed presets.yaml
var defaultPresetsYAML []byte

// ErrInvalidPreset is returned when a presets document is malformed.
var ErrInvalidPreset = errors.New("invalid export preset")

// Preset describes how one export format is encoded.
type Preset struct {
	Extension  string   `yaml:"extension"`
	VideoCodec string   `yaml:"video_codec"`
	AudioCodec string   `yaml:"audio_codec"`
	VideoArgs  []string `yaml:"video_args"`
	AudioArgs  []string `yaml:"audio_args"`
	ExtraArgs  []string `yaml:"extra_args"`
}

// Presets is the allow-list of export formats.
type Presets struct {
	formats map[string]Preset
}

type presetsDocument struct {
	Formats map[string]Preset `yaml:"formats"`
}

// DefaultPresets returns the built-in export formats.
func DefaultPresets() *Presets {
	p, err := ParsePresets(defaultPresetsYAML)
	if err != nil {
		panic(fmt.Sprintf("media: embedded presets: %v", err))
	}
	return p
}

// LoadPresets reads a presets file and merges it over the built-in formats.
// An empty path returns the built-in formats.
func LoadPresets(path string) (*Presets, error) {
	base := DefaultPresets()
	if path == "" {
		return base, nil
	}

	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("read presets file: %w", err)
	}
	extra, err := ParsePresets(data)
	if err != nil {
		return nil, err
	}
	for name, preset := range extra.formats {
		base.formats[name] = preset
	}
	return base, nil
}

// ParsePresets decodes a YAML presets document.
func ParsePresets(data []byte) (*Presets, error) {
	var doc presetsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPreset, err)
	}

	formats := make(map[string]Preset, len(doc.Formats))
	for name, preset := range doc.Formats {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return nil, fmt.Errorf("%w: empty format name", ErrInvalidPreset)
		}
		if !strings.HasPrefix(preset.Extension, ".") || strings.ContainsAny(preset.Extension, `/\`) {
			return nil, fmt.Errorf("%w: %s: extension must look like .ext", ErrInvalidPreset, name)
		}
		if preset.VideoCodec == "" {
			return nil, fmt.Errorf("%w: %s: video_codec is required", ErrInvalidPreset, name)
		}
		formats[name] = preset
	}
	return &Presets{formats: formats}, nil
}

// Lookup returns the preset for format, case-insensitively.
func (p *Presets) Lookup(format string) (Preset, bool) {
	preset, ok := p.formats[strings.ToLower(format)]
	return preset, ok
}

// Formats returns the allowed format names in sorted order.
func (p *Presets) Formats() []string {
	names := make([]string, 0, len(p.formats))
	for name := range p.formats {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
