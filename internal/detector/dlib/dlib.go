// Package dlib runs face detection and descriptor extraction in-process using
// the dlib models loaded through go-face.
package dlib

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/Kagami/go-face"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/example/face-embeddings/internal/detector"
)

// RequiredModels are the files go-face expects in the models directory.
var RequiredModels = []string{
	"shape_predictor_5_face_landmarks.dat",
	"dlib_face_recognition_resnet_model_v1.dat",
	"mmod_human_face_detector.dat",
}

var errClosed = errors.New("dlib detector is closed")

// Detector wraps a go-face recognizer. Recognize is safe for concurrent use;
// the lock only keeps Close from freeing the recognizer under a running call.
type Detector struct {
	mu     sync.RWMutex
	rec    *face.Recognizer
	logger *zap.Logger
}

// Load reads the models from modelsDir. It fails if any model file is missing
// or cannot be parsed.
func Load(modelsDir string, logger *zap.Logger) (*Detector, error) {
	if err := CheckModels(modelsDir); err != nil {
		return nil, err
	}

	logger = logger.Named("dlib_detector")
	logger.Info("loading face models", zap.String("models_dir", modelsDir))

	rec, err := face.NewRecognizer(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("load models from %s: %w", modelsDir, err)
	}

	logger.Info("face models loaded")
	return &Detector{rec: rec, logger: logger}, nil
}

// CheckModels verifies that every required model file exists in modelsDir.
func CheckModels(modelsDir string) error {
	for _, name := range RequiredModels {
		path := filepath.Join(modelsDir, name)
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("model file %s: %w", path, err)
		}
	}
	return nil
}

// Detect returns the largest face go-face finds in img. dlib's HOG detector
// reports no score, so accepted faces carry a confidence of 1.
func (d *Detector) Detect(ctx context.Context, img image.Image, opts detector.Options) (*detector.Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, detector.Prepare(img, opts), imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	d.mu.RLock()
	if d.rec == nil {
		d.mu.RUnlock()
		return nil, errClosed
	}
	faces, err := d.rec.Recognize(buf.Bytes())
	d.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("recognize: %w", err)
	}
	f := best(faces)
	if f == nil {
		return nil, nil
	}
	if len(faces) > 1 {
		d.logger.Debug("multiple faces found, using the largest", zap.Int("faces", len(faces)))
	}

	descriptor := make([]float32, len(f.Descriptor))
	copy(descriptor, f.Descriptor[:])

	return detector.Accept(&detector.Face{
		Descriptor: descriptor,
		Confidence: 1,
		Box:        f.Rectangle,
	}, opts)
}

// best picks the face with the largest bounding box, or nil when there is none.
func best(faces []face.Face) *face.Face {
	var (
		picked *face.Face
		area   int
	)
	for i := range faces {
		r := faces[i].Rectangle
		if a := r.Dx() * r.Dy(); picked == nil || a > area {
			picked, area = &faces[i], a
		}
	}
	return picked
}

// Close releases the native recognizer.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rec != nil {
		d.rec.Close()
		d.rec = nil
	}
}
