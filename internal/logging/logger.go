package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/pupero/api-manager/internal/config"
)

// NewLogger builds the process-wide JSON logger from the logging config.
// Output may be "stdout", "stderr", or a file path; file output rotates via
// RotatingWriter. The returned closer is non-nil only for file output and
// must be closed on shutdown to flush the log file.
func NewLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var w io.Writer
	var closer io.Closer

	switch cfg.Output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		maxBackups := cfg.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		maxAge := cfg.MaxAgeDays
		if maxAge <= 0 {
			maxAge = 30
		}
		rw, err := NewRotatingWriter(cfg.Output, maxSize, maxBackups, maxAge)
		if err != nil {
			return nil, nil, err
		}
		w = rw
		closer = rw
	}

	return slog.New(slog.NewJSONHandler(w, nil)), closer, nil
}
