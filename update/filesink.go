package update

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/particle-iot/esp32-ncp-firmware/iostream"
)

// FileSink is the reference iostream.Sink backing cmd/ncpd's WriterFactory: it
// stands in for the original firmware's flash/OTA-partition writer, spooling
// the incoming image to a temp file beside the target path and renaming it
// into place only on Finish, so a cancelled or interrupted transfer never
// leaves a partial image where a restart would pick it up.
type FileSink struct {
	target string
	tmp    *os.File
}

// NewFileSinkFactory returns a WriterFactory that writes each update to
// target, via a sibling temp file swapped in atomically on Finish.
func NewFileSinkFactory(target string) WriterFactory {
	return func(size int) (iostream.Sink, error) {
		f, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".update-*")
		if err != nil {
			return nil, errors.Wrap(err, "update: create temp image file")
		}
		return &FileSink{target: target, tmp: f}, nil
	}
}

func (s *FileSink) Write(p []byte) (int, error) {
	return s.tmp.Write(p)
}

// Finish syncs and renames the temp file over target, completing the image
// write before the caller restarts to run it.
func (s *FileSink) Finish() error {
	if err := s.tmp.Sync(); err != nil {
		s.cleanup()
		return errors.Wrap(err, "update: sync image file")
	}
	if err := s.tmp.Close(); err != nil {
		s.cleanup()
		return errors.Wrap(err, "update: close image file")
	}
	if err := os.Rename(s.tmp.Name(), s.target); err != nil {
		return errors.Wrap(err, "update: rename image file into place")
	}
	return nil
}

// Cancel discards the partially written temp file.
func (s *FileSink) Cancel() error {
	s.cleanup()
	return nil
}

func (s *FileSink) cleanup() {
	_ = s.tmp.Close()
	_ = os.Remove(s.tmp.Name())
}
