package extraction

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/innsight-io/innsight/internal/logging"
	"github.com/innsight-io/innsight/internal/storage"
	"github.com/innsight-io/innsight/internal/validation"
)

// Required inventory header columns. Extra columns are tolerated and
// positions are resolved by name, so column order is free.
var requiredInventoryColumns = []string{"hotel_id", "room_type_id", "quantity"}

var minQuantity = int64(0)

// ExtractInventory acquires and validates the cycle's inventory snapshot.
//
// The drop directory must hold exactly one *.csv file. Zero files is a
// quiet no-op. More than one is refused and every file is moved to the
// error archive: the filenames carry no ordering key, so a late-arriving
// snapshot could silently shadow a newer one, and failing the cycle is the
// only safe policy. A single file is acquired into tmp, validated line by
// line and parsed into an inventory batch; any validation or parse failure
// moves it to the error archive and the cycle carries no inventory.
// Cancellation mid-scan says nothing about the file, so it goes back to
// the drop directory instead and the error aborts the cycle.
func (s *LocalSource) ExtractInventory(ctx context.Context) (*InventoryExtraction, error) {
	if err := s.prepareDirs(s.cfg.InventoryPath); err != nil {
		return nil, err
	}

	s.logger.Info("Loading inventory CSV file(s)...")

	dropPaths, err := filepath.Glob(filepath.Join(s.cfg.InventoryPath, "*.csv"))
	if err != nil {
		return nil, fmt.Errorf("listing inventory files: %w", err)
	}

	switch {
	case len(dropPaths) == 0:
		s.logger.Info("No inventory CSV files found!")

		return nil, nil
	case len(dropPaths) > 1:
		s.refuseInventoryFiles(dropPaths)

		return nil, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dropPath := dropPaths[0]
	originalFilename := filepath.Base(dropPath)

	tempPath, err := s.archive.AcquireTemp(dropPath)
	if err != nil {
		return nil, err
	}

	file := FileInfo{
		OriginalFilename:  originalFilename,
		DropDirectory:     filepath.Dir(dropPath),
		TemporaryFilepath: tempPath,
	}

	if err := s.validateInventoryFile(ctx, tempPath); err != nil {
		if ctx.Err() != nil {
			s.restoreTempFile(file)

			return nil, err
		}

		s.discardTempFile(file, err)

		return nil, nil
	}

	logging.Success(s.logger, "Inventory file is valid", "file", originalFilename)

	batch, err := s.inventoryBatch(ctx, file)
	if err != nil {
		if ctx.Err() != nil {
			s.restoreTempFile(file)

			return nil, err
		}

		s.discardTempFile(file, err)

		return nil, nil
	}

	return &InventoryExtraction{File: file, Rows: batch}, nil
}

// refuseInventoryFiles moves every present snapshot to the error archive.
func (s *LocalSource) refuseInventoryFiles(dropPaths []string) {
	s.logger.Error("More than one inventory file present; there must be exactly one per cycle. Moving all to the error archive.",
		"count", len(dropPaths))

	for _, dropPath := range dropPaths {
		errorPath, err := s.archive.MoveDropToError(dropPath)
		if err != nil {
			s.logger.Error("error moving inventory file", "file", dropPath, "error", err)

			continue
		}

		s.logger.Info("Moved inventory file to error archive", "from", dropPath, "to", errorPath)
	}

	logging.Success(s.logger, "Done!")
}

// validateInventoryFile streams the snapshot row by row, so file size never
// matters. The first non-empty row is the header; every later row must be
// at least as wide as the header, with a non-empty hotel_id and
// room_type_id and an integer quantity >= 0. The first failure rejects the
// whole file.
func (s *LocalSource) validateInventoryFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening inventory file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var (
		header    []string
		rowNumber int

		hotelIDIndex    int
		roomTypeIDIndex int
		quantityIndex   int
	)

	scanner := bufio.NewScanner(f)
	scanner.Split(separatorSplit(s.cfg.InventoryRowSeparator))

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		row := strings.TrimSpace(scanner.Text())
		if row == "" && s.cfg.IgnoreEmptyLines {
			continue
		}

		if header == nil {
			columns := strings.Split(row, s.cfg.InventoryColumnSeparator)

			for _, required := range requiredInventoryColumns {
				if columnIndex(columns, required) < 0 {
					return fmt.Errorf("%w: header must contain %s",
						ErrInvalidHeader, strings.Join(requiredInventoryColumns, ", "))
				}
			}

			header = columns
			hotelIDIndex = columnIndex(columns, "hotel_id")
			roomTypeIDIndex = columnIndex(columns, "room_type_id")
			quantityIndex = columnIndex(columns, "quantity")

			continue
		}

		rowNumber++

		values := strings.Split(row, s.cfg.InventoryColumnSeparator)
		if len(values) < len(header) {
			return fmt.Errorf("%w: row %d has %d columns, header has %d",
				ErrInvalidRow, rowNumber, len(values), len(header))
		}

		record := map[string]any{
			"hotel_id":     values[hotelIDIndex],
			"room_type_id": values[roomTypeIDIndex],
			"quantity":     values[quantityIndex],
		}

		if ok, verr := validation.String(record, "hotel_id", validation.StringOptions{NonEmpty: true}); !ok {
			return fmt.Errorf("%w: row %d: %s", ErrInvalidRow, rowNumber, verr.Message)
		}

		if ok, verr := validation.String(record, "room_type_id", validation.StringOptions{NonEmpty: true}); !ok {
			return fmt.Errorf("%w: row %d: %s", ErrInvalidRow, rowNumber, verr.Message)
		}

		if ok, verr := validation.Int(record, "quantity", validation.IntOptions{MinValue: &minQuantity}); !ok {
			return fmt.Errorf("%w: row %d: %s", ErrInvalidRow, rowNumber, verr.Message)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading inventory file: %w", err)
	}

	if header == nil {
		return fmt.Errorf("%w: file has no header row", ErrInvalidHeader)
	}

	return nil
}

// inventoryBatch re-streams a validated snapshot into an insert batch.
// hotel_id tolerates numeric strings with a fractional part (truncated),
// matching the lenient numeric coercion the snapshot producers rely on.
func (s *LocalSource) inventoryBatch(ctx context.Context, file FileInfo) (storage.Batch, error) {
	f, err := os.Open(file.TemporaryFilepath)
	if err != nil {
		return storage.Batch{}, fmt.Errorf("opening inventory file: %w", err)
	}
	defer func() { _ = f.Close() }()

	batch := storage.NewBatch(inventoryColumns...)

	var (
		header          []string
		hotelIDIndex    int
		roomTypeIDIndex int
		quantityIndex   int
	)

	scanner := bufio.NewScanner(f)
	scanner.Split(separatorSplit(s.cfg.InventoryRowSeparator))

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return storage.Batch{}, err
		}

		row := strings.TrimSpace(scanner.Text())
		if row == "" && s.cfg.IgnoreEmptyLines {
			continue
		}

		if header == nil {
			header = strings.Split(row, s.cfg.InventoryColumnSeparator)
			hotelIDIndex = columnIndex(header, "hotel_id")
			roomTypeIDIndex = columnIndex(header, "room_type_id")
			quantityIndex = columnIndex(header, "quantity")

			continue
		}

		values := strings.Split(row, s.cfg.InventoryColumnSeparator)

		hotelID, ok := parseLenientInt(values[hotelIDIndex])
		if !ok {
			return storage.Batch{}, fmt.Errorf("%w: hotel_id %q is not numeric",
				ErrInvalidRow, values[hotelIDIndex])
		}

		quantity, ok := parseLenientInt(values[quantityIndex])
		if !ok {
			return storage.Batch{}, fmt.Errorf("%w: quantity %q is not numeric",
				ErrInvalidRow, values[quantityIndex])
		}

		batch.Append(map[string]any{
			"hotel_id":        hotelID,
			"room_type_id":    values[roomTypeIDIndex],
			"quantity":        quantity,
			"ingested_at":     ingestionStamp(time.Now()),
			"source_filename": file.OriginalFilename,
			"is_active":       true,
		})
	}

	if err := scanner.Err(); err != nil {
		return storage.Batch{}, fmt.Errorf("reading inventory file: %w", err)
	}

	return batch, nil
}

// separatorSplit returns a bufio.SplitFunc that splits on an arbitrary row
// separator. encoding/csv only understands newline-terminated records, and
// the snapshot producers may configure a different separator.
func separatorSplit(separator string) bufio.SplitFunc {
	sep := []byte(separator)

	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}

		if i := bytes.Index(data, sep); i >= 0 {
			return i + len(sep), data[:i], nil
		}

		if atEOF {
			return len(data), data, nil
		}

		return 0, nil, nil
	}
}

func columnIndex(columns []string, name string) int {
	for i, column := range columns {
		if strings.TrimSpace(column) == name {
			return i
		}
	}

	return -1
}

// parseLenientInt accepts integer text or numeric text with a fractional
// part, truncating toward zero.
func parseLenientInt(raw string) (int64, bool) {
	trimmed := strings.TrimSpace(raw)

	if value, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return value, true
	}

	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, false
	}

	return int64(value), true
}
