// Package detector defines the face detection capability the gateway delegates to.
//
// Backends live in subpackages: dlib runs the models in-process through go-face,
// remote forwards images to a model server over gRPC.
package detector

import (
	"context"
	"errors"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// Default options match the tiny face detector settings the service was tuned with.
const (
	DefaultInputSize      = 160
	DefaultScoreThreshold = 0.5
)

// ErrEmptyDescriptor is returned when a backend reports a face without a descriptor.
var ErrEmptyDescriptor = errors.New("detector: face has an empty descriptor")

// ErrNonFinite is returned when a backend reports a NaN or infinite value.
var ErrNonFinite = errors.New("detector: face has a non-finite value")

// Options configures detection. Values come from process configuration, never
// from the request.
type Options struct {
	// InputSize is the minimum resolution, in pixels, of the image's longer side.
	InputSize int
	// ScoreThreshold discards detections with a lower confidence.
	ScoreThreshold float64
}

// DefaultOptions returns the stock detection settings.
func DefaultOptions() Options {
	return Options{InputSize: DefaultInputSize, ScoreThreshold: DefaultScoreThreshold}
}

// Face is the single best face found in an image.
type Face struct {
	Descriptor []float32
	Confidence float64
	Box        image.Rectangle
}

// Dimensions is the descriptor length.
func (f *Face) Dimensions() int {
	return len(f.Descriptor)
}

// Detector finds the best face in an image. A nil face with a nil error means
// no face was found.
type Detector interface {
	Detect(ctx context.Context, img image.Image, opts Options) (*Face, error)
}

// Func adapts a plain function to the Detector interface.
type Func func(ctx context.Context, img image.Image, opts Options) (*Face, error)

// Detect calls f.
func (f Func) Detect(ctx context.Context, img image.Image, opts Options) (*Face, error) {
	return f(ctx, img, opts)
}

// Prepare upscales img so its longer side reaches opts.InputSize. Larger images
// are returned untouched.
func Prepare(img image.Image, opts Options) image.Image {
	if opts.InputSize <= 0 {
		return img
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return img
	}
	if w >= h {
		if w >= opts.InputSize {
			return img
		}
		return imaging.Resize(img, opts.InputSize, 0, imaging.Lanczos)
	}
	if h >= opts.InputSize {
		return img
	}
	return imaging.Resize(img, 0, opts.InputSize, imaging.Lanczos)
}

// Accept applies the score threshold and sanity checks to a backend result.
func Accept(face *Face, opts Options) (*Face, error) {
	if face == nil {
		return nil, nil
	}
	if len(face.Descriptor) == 0 {
		return nil, ErrEmptyDescriptor
	}
	if !finite(face.Confidence) {
		return nil, ErrNonFinite
	}
	for _, v := range face.Descriptor {
		if !finite(float64(v)) {
			return nil, ErrNonFinite
		}
	}
	if face.Confidence < opts.ScoreThreshold {
		return nil, nil
	}
	if face.Confidence > 1 {
		face.Confidence = 1
	}
	return face, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
