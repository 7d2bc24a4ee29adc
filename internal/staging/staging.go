// Package staging stores uploaded images on disk for the duration of a request.
package staging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const filePrefix = "upload-"

// Stager writes uploads into a single directory.
type Stager struct {
	dir    string
	logger *zap.Logger
}

// Upload is a staged file owned by one request. Release must be deferred as
// soon as Stage returns successfully.
type Upload struct {
	Path string
	Size int64
}

// NewStager creates dir if needed and returns a stager writing into it.
func NewStager(dir string, logger *zap.Logger) (*Stager, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", dir, err)
	}
	return &Stager{dir: dir, logger: logger.Named("stager")}, nil
}

// Dir is the directory uploads are staged in.
func (s *Stager) Dir() string {
	return s.dir
}

// Stage copies the multipart file into a uniquely named file. On error nothing
// is left on disk.
func (s *Stager) Stage(header *multipart.FileHeader) (*Upload, error) {
	src, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	return s.StageReader(src)
}

// StageReader copies r into a uniquely named file.
func (s *Stager) StageReader(r io.Reader) (upload *Upload, err error) {
	path := filepath.Join(s.dir, filePrefix+uuid.NewString())
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create staged file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	n, err := io.Copy(dst, r)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("write staged file: %w", err)
	}
	return &Upload{Path: path, Size: n}, nil
}

// Release deletes the staged file. Calling it more than once is harmless.
func (u *Upload) Release() error {
	if u == nil || u.Path == "" {
		return nil
	}
	if err := os.Remove(u.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Sweep removes staged files left behind by a previous process. It returns the
// number of files removed.
func (s *Stager) Sweep() (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, filePrefix+"*"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to remove stale upload", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("removed stale uploads", zap.Int("count", removed))
	}
	return removed, nil
}
