package extraction

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/innsight-io/innsight/internal/logging"
)

// LocalConfig carries the drop-directory settings for a local source.
type LocalConfig struct {
	InventoryPath            string
	InventoryColumnSeparator string
	// InventoryRowSeparator defaults to "\n" when empty.
	InventoryRowSeparator string
	ReservationsPath      string
	// IgnoreEmptyLines skips blank CSV rows instead of rejecting the file.
	IgnoreEmptyLines bool
}

// LocalSource extracts artefacts already present in the local drop
// directories.
type LocalSource struct {
	cfg     LocalConfig
	archive Archive
	logger  *slog.Logger
}

// NewLocalSource returns a local source. A nil logger falls back to the
// default logger.
func NewLocalSource(cfg LocalConfig, archive Archive, logger *slog.Logger) *LocalSource {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.InventoryRowSeparator == "" {
		cfg.InventoryRowSeparator = "\n"
	}

	return &LocalSource{cfg: cfg, archive: archive, logger: logger}
}

// prepareDirs creates the drop directory and the archive tree. Both are
// idempotent, so every extraction starts with the full layout in place.
func (s *LocalSource) prepareDirs(dropDir string) error {
	if err := os.MkdirAll(dropDir, 0o755); err != nil {
		return fmt.Errorf("creating drop directory %s: %w", dropDir, err)
	}

	return s.archive.EnsureDirs()
}

// discardTempFile moves a failed tmp file to the error archive.
func (s *LocalSource) discardTempFile(file FileInfo, cause error) {
	s.logger.Error("Invalid file; moving to error archive",
		"file", file.OriginalFilename, "error", cause)

	if _, err := s.archive.MoveTempToError(file.TemporaryFilepath); err != nil {
		s.logger.Error("error moving file to error archive",
			"file", file.TemporaryFilepath, "error", err)

		return
	}

	logging.Success(s.logger, "Done!")
}

// restoreTempFile returns an acquired tmp file to its drop directory when
// extraction aborts before the file could be judged. The file was never
// the problem, so the next cycle must see it again.
func (s *LocalSource) restoreTempFile(file FileInfo) {
	s.logger.Warn("Extraction aborted; returning file to drop directory",
		"file", file.OriginalFilename)

	if _, err := s.archive.Restore(file); err != nil {
		s.logger.Error("error restoring file to drop directory",
			"file", file.OriginalFilename, "error", err)
	}
}
