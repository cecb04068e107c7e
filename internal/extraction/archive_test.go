package extraction

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArchive(t *testing.T) Archive {
	t.Helper()

	archive := NewArchive(filepath.Join(t.TempDir(), "archive"))
	require.NoError(t, archive.EnsureDirs())

	return archive
}

func writeDropFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestArchive_EnsureDirsCreatesTempAndError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	archive := newTestArchive(t)

	assert.DirExists(t, archive.TempDir())
	assert.DirExists(t, archive.ErrorDir())
	assert.NoDirExists(t, archive.SuccessDir())
}

func TestArchive_AcquireTemp(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	archive := newTestArchive(t)
	dropPath := writeDropFile(t, t.TempDir(), "inv_a.csv", "hotel_id,room_type_id,quantity\n")

	tempPath, err := archive.AcquireTemp(dropPath)
	require.NoError(t, err)

	assert.Equal(t, archive.TempDir(), filepath.Dir(tempPath))
	assert.Regexp(t, `^tmp_inv_a_\d+_\d{6}\.csv$`, filepath.Base(tempPath))
	assert.NoFileExists(t, dropPath)
	assert.FileExists(t, tempPath)
}

func TestArchive_AcquireTempCutsStemAtFirstDot(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	archive := newTestArchive(t)
	dropPath := writeDropFile(t, t.TempDir(), "inv.daily.csv", "x\n")

	tempPath, err := archive.AcquireTemp(dropPath)
	require.NoError(t, err)

	assert.Regexp(t, `^tmp_inv_\d+_\d{6}\.csv$`, filepath.Base(tempPath))
}

func TestArchive_MoveDropToError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	archive := newTestArchive(t)
	dropPath := writeDropFile(t, t.TempDir(), "inv_b.csv", "x\n")

	errorPath, err := archive.MoveDropToError(dropPath)
	require.NoError(t, err)

	assert.Equal(t, archive.ErrorDir(), filepath.Dir(errorPath))
	assert.Regexp(t, `^error_inv_b_\d+_\d{6}\.csv$`, filepath.Base(errorPath))
	assert.NoFileExists(t, dropPath)
	assert.FileExists(t, errorPath)
}

func TestArchive_MoveTempToErrorKeepsAcquisitionStamp(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	archive := newTestArchive(t)
	dropPath := writeDropFile(t, t.TempDir(), "reservations_1.json", "{}")

	tempPath, err := archive.AcquireTemp(dropPath)
	require.NoError(t, err)

	errorPath, err := archive.MoveTempToError(tempPath)
	require.NoError(t, err)

	wantName := strings.Replace(filepath.Base(tempPath), "tmp_", "error_", 1)
	assert.Equal(t, archive.ErrorDir(), filepath.Dir(errorPath))
	assert.Equal(t, wantName, filepath.Base(errorPath))
	assert.NoFileExists(t, tempPath)
	assert.FileExists(t, errorPath)
}

func TestArchive_RestoreReturnsFileToDrop(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	archive := newTestArchive(t)
	dropDir := t.TempDir()
	dropPath := writeDropFile(t, dropDir, "reservations_7.json", `{"data": []}`)

	tempPath, err := archive.AcquireTemp(dropPath)
	require.NoError(t, err)
	require.NoFileExists(t, dropPath)

	restoredPath, err := archive.Restore(FileInfo{
		OriginalFilename:  "reservations_7.json",
		DropDirectory:     dropDir,
		TemporaryFilepath: tempPath,
	})
	require.NoError(t, err)

	assert.Equal(t, dropPath, restoredPath)
	assert.NoFileExists(t, tempPath)

	content, err := os.ReadFile(dropPath)
	require.NoError(t, err)
	assert.Equal(t, `{"data": []}`, string(content))
}

func TestArchive_RestoreRefusesToOverwriteDropFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	archive := newTestArchive(t)
	dropDir := t.TempDir()
	dropPath := writeDropFile(t, dropDir, "reservations_7.json", `{"data": [1]}`)

	tempPath, err := archive.AcquireTemp(dropPath)
	require.NoError(t, err)

	// A newer file arrived under the same name while this one was in
	// flight. The newcomer wins; the tmp copy stays put.
	writeDropFile(t, dropDir, "reservations_7.json", `{"data": [2]}`)

	_, err = archive.Restore(FileInfo{
		OriginalFilename:  "reservations_7.json",
		DropDirectory:     dropDir,
		TemporaryFilepath: tempPath,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	assert.FileExists(t, tempPath)

	content, err := os.ReadFile(dropPath)
	require.NoError(t, err)
	assert.Equal(t, `{"data": [2]}`, string(content))
}

func TestArchive_CommitSuccess(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	archive := newTestArchive(t)
	dropPath := writeDropFile(t, t.TempDir(), "reservations_42.json", `{"data": []}`)

	tempPath, err := archive.AcquireTemp(dropPath)
	require.NoError(t, err)

	successPath, err := archive.CommitSuccess(FileInfo{
		OriginalFilename:  "reservations_42.json",
		TemporaryFilepath: tempPath,
	})
	require.NoError(t, err)

	assert.Equal(t, archive.SuccessDir(), filepath.Dir(successPath))
	assert.Regexp(t, `^reservations_42__\d{14}\.json$`, filepath.Base(successPath))
	assert.NoFileExists(t, tempPath)
	assert.FileExists(t, successPath)
}

func TestArchive_CommitSuccessKeepsMultiDotStem(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	archive := newTestArchive(t)
	dropPath := writeDropFile(t, t.TempDir(), "inv.daily.csv", "x\n")

	tempPath, err := archive.AcquireTemp(dropPath)
	require.NoError(t, err)

	successPath, err := archive.CommitSuccess(FileInfo{
		OriginalFilename:  "inv.daily.csv",
		TemporaryFilepath: tempPath,
	})
	require.NoError(t, err)

	assert.Regexp(t, `^inv\.daily__\d{14}\.csv$`, filepath.Base(successPath))
}

func TestLifecycleName(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Date(2025, 5, 10, 9, 30, 0, 123456789, time.UTC)

	name := lifecycleName("tmp_", "inv_a.csv", now)

	assert.Equal(t, fmt.Sprintf("tmp_inv_a_%d_123456.csv", now.Unix()), name)
}

func TestLifecycleName_PadsMicroseconds(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Date(2025, 5, 10, 9, 30, 0, 7000, time.UTC)

	name := lifecycleName("error_", "reservations_1.json", now)

	assert.Equal(t, fmt.Sprintf("error_reservations_1_%d_000007.json", now.Unix()), name)
}
