// Package operation defines the closed set of media operations the service can run.
// Each kind carries its own typed parameters; parameters are validated before any
// external tool is involved.
package operation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidParams is returned when an operation or its parameters are rejected.
var ErrInvalidParams = errors.New("invalid operation parameters")

// Kind identifies an operation.
type Kind string

const (
	// KindTrim cuts a time range out of a video.
	KindTrim Kind = "trim"
	// KindCrop keeps a rectangle of the frame.
	KindCrop Kind = "crop"
	// KindRotate turns the picture by 90, 180 or 270 degrees.
	KindRotate Kind = "rotate"
	// KindBrightnessContrast adjusts picture levels.
	KindBrightnessContrast Kind = "brightness_contrast"
	// KindAddAudio muxes an audio track onto a video.
	KindAddAudio Kind = "add_audio"
	// KindRemoveAudio drops every audio stream.
	KindRemoveAudio Kind = "remove_audio"
	// KindExtractAudio writes the audio as stereo 48 kHz PCM WAV.
	KindExtractAudio Kind = "extract_audio"
	// KindSplit cuts a video into fixed-length segments.
	KindSplit Kind = "split"
	// KindThumbnail grabs evenly spaced frames as images.
	KindThumbnail Kind = "thumbnail"
	// KindTransition applies a fade or dissolve effect.
	KindTransition Kind = "transition"
	// KindExport re-encodes into one of the allowed formats.
	KindExport Kind = "export"
	// KindMetadata probes the input without producing new media.
	KindMetadata Kind = "metadata"
)

// Class groups operations by expected cost. Timeouts are configured per class.
type Class string

const (
	// ClassProbe is a read-only inspection.
	ClassProbe Class = "probe"
	// ClassCopy remuxes streams without re-encoding.
	ClassCopy Class = "copy"
	// ClassEncode decodes and re-encodes at least one stream.
	ClassEncode Class = "encode"
)

// Params is implemented by the parameter struct of every operation kind.
// The unexported method keeps the set closed to this package.
type Params interface {
	Kind() Kind
	params()
}

// constructors returns a zero value with defaults applied for each kind.
var constructors = map[Kind]func() Params{
	KindTrim:               func() Params { return &Trim{} },
	KindCrop:               func() Params { return &Crop{} },
	KindRotate:             func() Params { return &Rotate{} },
	KindBrightnessContrast: func() Params { return &BrightnessContrast{Contrast: 1} },
	KindAddAudio:           func() Params { return &AddAudio{} },
	KindRemoveAudio:        func() Params { return &RemoveAudio{} },
	KindExtractAudio:       func() Params { return &ExtractAudio{} },
	KindSplit:              func() Params { return &Split{} },
	KindThumbnail:          func() Params { return &Thumbnail{} },
	KindTransition:         func() Params { return &Transition{} },
	KindExport:             func() Params { return &Export{} },
	KindMetadata:           func() Params { return &Metadata{} },
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Operation is a kind together with its parameters.
type Operation struct {
	Kind   Kind
	Params Params
}

// New wraps params into an Operation.
func New(p Params) Operation {
	return Operation{Kind: p.Kind(), Params: p}
}

// Parse decodes raw JSON parameters for the named kind and validates them.
// Unknown fields are rejected. Empty raw input decodes to the kind's defaults.
func Parse(kind string, raw json.RawMessage) (Operation, error) {
	op, err := decode(Kind(kind), raw)
	if err != nil {
		return Operation{}, err
	}
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// Decode is Parse without validation. It still rejects unknown kinds and
// malformed or unknown fields.
func Decode(kind string, raw json.RawMessage) (Operation, error) {
	return decode(Kind(kind), raw)
}

func decode(kind Kind, raw json.RawMessage) (Operation, error) {
	ctor, ok := constructors[kind]
	if !ok {
		return Operation{}, fmt.Errorf("%w: unknown operation %q", ErrInvalidParams, kind)
	}
	p := ctor()

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(p); err != nil {
			return Operation{}, fmt.Errorf("%w: %s: %v", ErrInvalidParams, kind, err)
		}
	}
	return Operation{Kind: kind, Params: p}, nil
}

// Validate checks the parameters against their domain rules.
func (o Operation) Validate() error {
	if o.Params == nil {
		return fmt.Errorf("%w: %s: missing parameters", ErrInvalidParams, o.Kind)
	}
	if o.Params.Kind() != o.Kind {
		return fmt.Errorf("%w: parameters for %s given to %s", ErrInvalidParams, o.Params.Kind(), o.Kind)
	}
	if err := validate.Struct(o.Params); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrInvalidParams, o.Kind, describe(err))
	}
	return nil
}

// Arity is the number of input assets the operation consumes.
func (o Operation) Arity() int {
	if o.Kind == KindAddAudio {
		return 2
	}
	return 1
}

// Class returns the cost class used to pick a timeout.
func (o Operation) Class() Class {
	switch p := o.Params.(type) {
	case *Metadata:
		return ClassProbe
	case *RemoveAudio:
		return ClassCopy
	case *Trim:
		if !p.Reencode {
			return ClassCopy
		}
	}
	return ClassEncode
}

// NeedsProbe reports whether building the command requires source metadata.
func (o Operation) NeedsProbe() bool {
	switch o.Kind {
	case KindCrop, KindThumbnail, KindTransition:
		return true
	}
	return false
}

// SingleOutput reports whether a successful run yields exactly one new file.
// Only such operations can feed a follow-up stage.
func (o Operation) SingleOutput() bool {
	switch o.Kind {
	case KindSplit, KindThumbnail, KindMetadata:
		return false
	}
	return true
}

// String returns the kind name.
func (o Operation) String() string {
	return string(o.Kind)
}

type envelope struct {
	Kind   Kind            `json:"kind"`
	Params json.RawMessage `json:"params,omitempty"`
}

// MarshalJSON encodes the operation as {"kind": ..., "params": {...}}.
func (o Operation) MarshalJSON() ([]byte, error) {
	if o.Params == nil {
		return json.Marshal(envelope{Kind: o.Kind})
	}
	params, err := json.Marshal(o.Params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: o.Kind, Params: params})
}

// UnmarshalJSON decodes the form produced by MarshalJSON without re-validating.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if env.Kind == "" {
		*o = Operation{}
		return nil
	}
	op, err := decode(env.Kind, env.Params)
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// describe flattens validator errors into a short message using JSON field names.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s must satisfy %s", fe.Field(), fe.Tag())
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return strings.Join(msgs, "; ")
}
