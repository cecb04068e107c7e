// Package extraction acquires raw drop-directory artefacts and turns them
// into validated row batches ready for persistence.
//
// Two artefact kinds exist: a full inventory snapshot (one CSV per cycle)
// and reservation batches (any number of JSON documents with nested
// stay-date line items). Files move through an archive lifecycle by atomic
// rename — drop, tmp while in flight, error on any validation failure,
// success once persisted — and are never rewritten in place. The local
// source reads artefacts already present in the drop directories; the API
// source downloads them into the same directories first and then runs the
// identical state machine.
package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/innsight-io/innsight/internal/storage"
)

// Sentinel errors reported while acquiring and parsing drop files.
// Callers match them with errors.Is().
var (
	// ErrMalformedDocument indicates a reservations file that is not a JSON
	// object, or whose data array contains non-object entries.
	ErrMalformedDocument = errors.New("malformed reservations document")

	// ErrMissingData indicates a reservations document without a top-level
	// "data" array.
	ErrMissingData = errors.New("reservations list not found")

	// ErrInvalidHeader indicates an inventory CSV whose header lacks a
	// required column.
	ErrInvalidHeader = errors.New("invalid inventory header")

	// ErrInvalidRow indicates an inventory CSV row that failed validation
	// or numeric conversion.
	ErrInvalidRow = errors.New("invalid inventory row")

	// ErrFetchFailed indicates an API download that did not produce a
	// usable drop file.
	ErrFetchFailed = errors.New("fetch failed")
)

// Wire formats for date and datetime fields in reservation documents.
const (
	dateLayout     = "2006-01-02"
	datetimeLayout = "2006-01-02 15:04:05.000000"
)

type (
	// FileInfo tracks a drop file across its lifecycle: the name it arrived
	// under, the directory it arrived in and the tmp path it currently
	// lives at. The runner commits the tmp file to the success archive once
	// its batches are persisted, or restores it to the drop directory when
	// a cycle is abandoned.
	FileInfo struct {
		OriginalFilename  string
		DropDirectory     string
		TemporaryFilepath string
	}

	// InventoryExtraction is a validated inventory snapshot: the tracked
	// file plus one batch row per CSV data row.
	InventoryExtraction struct {
		File FileInfo
		Rows storage.Batch
	}

	// ReservationExtraction is one validated reservations file: the tracked
	// file plus the three batches its records assemble into. Batches from
	// different files never mix; each extraction carries exactly the rows
	// of its own file.
	ReservationExtraction struct {
		File      FileInfo
		Imports   storage.Batch
		StayDates storage.Batch
		Rejected  storage.Batch
	}

	// Source extracts both artefact kinds for one ingestion cycle.
	// ExtractInventory returns nil when there is nothing to ingest;
	// ExtractReservations returns one extraction per readable file.
	// Files that fail validation are moved to the error archive by the
	// source itself and do not appear in the results.
	Source interface {
		ExtractInventory(ctx context.Context) (*InventoryExtraction, error)
		ExtractReservations(ctx context.Context) ([]ReservationExtraction, error)
	}
)

// Insert column order for the assembled batches.
var (
	inventoryColumns = []string{
		"hotel_id",
		"room_type_id",
		"quantity",
		"ingested_at",
		"source_filename",
		"is_active",
	}

	reservationImportColumns = []string{
		"hotel_id",
		"reservation_id",
		"status",
		"arrival_date",
		"departure_date",
		"source_name",
		"source_id",
		"created_at",
		"updated_at",
		"source_filename",
		"ingested_at",
		"reservation_hash",
	}

	stayDateColumns = []string{
		"hotel_id",
		"reservation_id",
		"start_date",
		"end_date",
		"room_type_id",
		"room_type_name",
		"number_of_adults",
		"number_of_children",
		"revenue_gross_amount",
		"revenue_net_amount",
		"fnb_gross_amount",
		"fnb_net_amount",
		"created_at",
		"updated_at",
		"ingested_at",
		"reservation_hash",
		"stay_date_hash",
	}

	rejectedImportColumns = []string{
		"rejected_row",
		"validation_errors",
		"source_filename",
		"ingested_at",
	}
)

// ingestionStamp renders the moment a row was assembled in the canonical
// datetime wire format. Timestamps are carried as strings end to end so
// both store engines persist them identically.
func ingestionStamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05.000000")
}

func formatDate(t time.Time) string {
	return t.Format(dateLayout)
}

// formatDatetime matches the rendering used inside persisted validation
// messages: seconds precision, fraction only when non-zero.
func formatDatetime(t time.Time) string {
	if t.Nanosecond() == 0 {
		return t.Format("2006-01-02 15:04:05")
	}

	return t.Format("2006-01-02 15:04:05.000000")
}

// intValue converts an already validated integer field to int64. The zero
// value only surfaces if the caller skipped validation.
func intValue(raw any) int64 {
	switch v := raw.(type) {
	case json.Number:
		if value, err := v.Int64(); err == nil {
			return value
		}

		if f, err := v.Float64(); err == nil {
			return int64(f)
		}
	case string:
		if value, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return value
		}

		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return int64(f)
		}
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	}

	return 0
}

// floatValue converts an already validated numeric field to float64.
func floatValue(raw any) float64 {
	switch v := raw.(type) {
	case json.Number:
		if value, err := v.Float64(); err == nil {
			return value
		}
	case string:
		if value, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return value
		}
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}

	return 0
}

// optionalFloat converts record[field] when the key is present and maps an
// absent key to nil, which inserts as NULL.
func optionalFloat(record map[string]any, field string) any {
	raw, present := record[field]
	if !present {
		return nil
	}

	return floatValue(raw)
}
