package extraction

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Subdirectories of the archive root a drop file can move through.
const (
	tempDirName    = "tmp"
	errorDirName   = "error"
	successDirName = "success"
)

const successStampLayout = "20060102150504"

// Archive owns the lifecycle directories under a single root and performs
// every file move by rename, so a file is always wholly in exactly one of
// drop, tmp, error or success.
type Archive struct {
	root string
}

// NewArchive returns an Archive rooted at root. Directories are created
// lazily by EnsureDirs and the move operations.
func NewArchive(root string) Archive {
	return Archive{root: root}
}

// Root returns the archive root path.
func (a Archive) Root() string {
	return a.root
}

// TempDir returns the in-flight directory path.
func (a Archive) TempDir() string {
	return filepath.Join(a.root, tempDirName)
}

// ErrorDir returns the failed-file directory path.
func (a Archive) ErrorDir() string {
	return filepath.Join(a.root, errorDirName)
}

// SuccessDir returns the completed-file directory path.
func (a Archive) SuccessDir() string {
	return filepath.Join(a.root, successDirName)
}

// EnsureDirs creates the root, tmp and error directories. The success
// directory is created on first commit.
func (a Archive) EnsureDirs() error {
	for _, dir := range []string{a.root, a.TempDir(), a.ErrorDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating archive directory %s: %w", dir, err)
		}
	}

	return nil
}

// AcquireTemp renames a drop file into tmp under a timestamped name, taking
// ownership of it for the rest of the cycle. Returns the tmp path.
func (a Archive) AcquireTemp(dropPath string) (string, error) {
	name := lifecycleName("tmp_", filepath.Base(dropPath), time.Now())

	tempPath := filepath.Join(a.TempDir(), name)
	if err := os.Rename(dropPath, tempPath); err != nil {
		return "", fmt.Errorf("acquiring %s: %w", dropPath, err)
	}

	return tempPath, nil
}

// MoveDropToError renames a file straight from the drop directory into the
// error archive. Used when a file is refused before it is ever acquired,
// e.g. when more than one inventory snapshot is present.
func (a Archive) MoveDropToError(dropPath string) (string, error) {
	name := lifecycleName("error_", filepath.Base(dropPath), time.Now())

	errorPath := filepath.Join(a.ErrorDir(), name)
	if err := os.Rename(dropPath, errorPath); err != nil {
		return "", fmt.Errorf("moving %s to error archive: %w", dropPath, err)
	}

	return errorPath, nil
}

// MoveTempToError renames an acquired tmp file into the error archive,
// rewriting its tmp_ prefix to error_ and keeping the acquisition
// timestamp, so the error name still identifies the original drop file.
func (a Archive) MoveTempToError(tempPath string) (string, error) {
	name := strings.Replace(filepath.Base(tempPath), "tmp_", "error_", 1)

	errorPath := filepath.Join(a.ErrorDir(), name)
	if err := os.Rename(tempPath, errorPath); err != nil {
		return "", fmt.Errorf("moving %s to error archive: %w", tempPath, err)
	}

	return errorPath, nil
}

// Restore renames an acquired tmp file back into its drop directory under
// the original name, surrendering ownership so a later cycle picks the
// file up again. A drop file that reappeared under the same name wins;
// the tmp file is left where it is and the conflict is reported.
func (a Archive) Restore(file FileInfo) (string, error) {
	dropPath := filepath.Join(file.DropDirectory, file.OriginalFilename)
	if _, err := os.Stat(dropPath); err == nil {
		return "", fmt.Errorf("restoring %s: %s already exists", file.TemporaryFilepath, dropPath)
	}

	if err := os.Rename(file.TemporaryFilepath, dropPath); err != nil {
		return "", fmt.Errorf("restoring %s: %w", file.TemporaryFilepath, err)
	}

	return dropPath, nil
}

// CommitSuccess renames a processed tmp file into the success archive under
// the original filename plus a completion stamp.
func (a Archive) CommitSuccess(file FileInfo) (string, error) {
	if err := os.MkdirAll(a.SuccessDir(), 0o755); err != nil {
		return "", fmt.Errorf("creating success directory: %w", err)
	}

	ext := filepath.Ext(file.OriginalFilename)
	stem := strings.TrimSuffix(file.OriginalFilename, ext)
	name := fmt.Sprintf("%s__%s%s", stem, time.Now().Format(successStampLayout), ext)

	successPath := filepath.Join(a.SuccessDir(), name)
	if err := os.Rename(file.TemporaryFilepath, successPath); err != nil {
		return "", fmt.Errorf("moving %s to success archive: %w", file.TemporaryFilepath, err)
	}

	return successPath, nil
}

// lifecycleName builds a tmp/error archive name: the prefix, the original
// name up to its first dot, and a unix timestamp with the fractional
// separator flattened to an underscore so the name stays glob-friendly.
func lifecycleName(prefix, original string, now time.Time) string {
	stem, _, _ := strings.Cut(original, ".")

	return fmt.Sprintf("%s%s_%d_%06d%s",
		prefix, stem, now.Unix(), now.Nanosecond()/1000, filepath.Ext(original))
}
