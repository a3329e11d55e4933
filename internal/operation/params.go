package operation

// Trim keeps the [Start, End) range of the input, in seconds.
// Streams are copied unless Reencode is set.
type Trim struct {
	Start    float64 `json:"start" validate:"gte=0"`
	End      float64 `json:"end" validate:"gtfield=Start"`
	Reencode bool    `json:"reencode,omitempty"`
}

// Crop cuts a Width x Height rectangle whose top-left corner is at (X, Y).
type Crop struct {
	X      int `json:"x" validate:"gte=0"`
	Y      int `json:"y" validate:"gte=0"`
	Width  int `json:"width" validate:"gt=0"`
	Height int `json:"height" validate:"gt=0"`
}

// Rotate turns the video clockwise by Angle degrees.
type Rotate struct {
	Angle int `json:"angle" validate:"oneof=90 180 270"`
}

// BrightnessContrast adjusts brightness in [-1, 1] and contrast in [-1000, 1000].
// Contrast defaults to 1 (unchanged).
type BrightnessContrast struct {
	Brightness float64 `json:"brightness" validate:"gte=-1,lte=1"`
	Contrast   float64 `json:"contrast" validate:"gte=-1000,lte=1000"`
}

// AddAudio replaces the audio of the first input with the second input.
type AddAudio struct{}

// RemoveAudio drops all audio streams.
type RemoveAudio struct{}

// ExtractAudio writes the audio track as stereo 48 kHz PCM WAV.
type ExtractAudio struct{}

// Split cuts the input into consecutive segments of ChunkDurationSeconds.
type Split struct {
	ChunkDurationSeconds float64 `json:"chunk_duration_seconds" validate:"gt=0"`
}

// Thumbnail grabs Count frames spread evenly over the input.
type Thumbnail struct {
	Count int `json:"count" validate:"gte=1,lte=100"`
}

// Transition applies a fade or dissolve of DurationSeconds.
type Transition struct {
	Type            string  `json:"type" validate:"oneof=fade dissolve"`
	DurationSeconds float64 `json:"duration_seconds" validate:"gt=0"`
}

// Export re-encodes the input into the named container format.
type Export struct {
	Format string `json:"format" validate:"required,alphanum,max=8"`
}

// Metadata probes the input without producing a new file.
type Metadata struct{}

func (*Trim) Kind() Kind               { return KindTrim }
func (*Crop) Kind() Kind               { return KindCrop }
func (*Rotate) Kind() Kind             { return KindRotate }
func (*BrightnessContrast) Kind() Kind { return KindBrightnessContrast }
func (*AddAudio) Kind() Kind           { return KindAddAudio }
func (*RemoveAudio) Kind() Kind        { return KindRemoveAudio }
func (*ExtractAudio) Kind() Kind       { return KindExtractAudio }
func (*Split) Kind() Kind              { return KindSplit }
func (*Thumbnail) Kind() Kind          { return KindThumbnail }
func (*Transition) Kind() Kind         { return KindTransition }
func (*Export) Kind() Kind             { return KindExport }
func (*Metadata) Kind() Kind           { return KindMetadata }

func (*Trim) params()               {}
func (*Crop) params()               {}
func (*Rotate) params()             {}
func (*BrightnessContrast) params() {}
func (*AddAudio) params()           {}
func (*RemoveAudio) params()        {}
func (*ExtractAudio) params()       {}
func (*Split) params()              {}
func (*Thumbnail) params()          {}
func (*Transition) params()         {}
func (*Export) params()             {}
func (*Metadata) params()           {}
