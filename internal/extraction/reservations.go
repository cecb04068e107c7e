package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/innsight-io/innsight/internal/canonical"
	"github.com/innsight-io/innsight/internal/logging"
	"github.com/innsight-io/innsight/internal/storage"
	"github.com/innsight-io/innsight/internal/validation"
)

// Accepted reservation lifecycle states.
var reservationStatuses = []string{
	"provisional",
	"waiting_list",
	"confirmed",
	"cancelled",
	"no_show",
	"checked_in",
	"checked_out",
}

var (
	minAdults   = int64(1)
	minChildren = int64(0)
)

// rejectedRecord is one entry bound for rejected_imports: the offending
// payload and the validation errors that rejected it. errs may be empty for
// the valid half of a split reservation.
type rejectedRecord struct {
	row  any
	errs []*validation.ValidationError
}

// ExtractReservations acquires every *.json file in the reservations drop
// directory and returns one extraction per readable file, in lexicographic
// filename order.
//
// Files are independent: a file that cannot be parsed is moved to the error
// archive and the remaining files still extract. Within a file, records
// validate independently too; invalid records land in the rejected batch
// rather than failing the file. Cancellation aborts the walk and returns
// every already acquired file to the drop directory for the next cycle.
func (s *LocalSource) ExtractReservations(ctx context.Context) ([]ReservationExtraction, error) {
	if err := s.prepareDirs(s.cfg.ReservationsPath); err != nil {
		return nil, err
	}

	s.logger.Info("Loading reservations JSON file(s)...")

	dropPaths, err := filepath.Glob(filepath.Join(s.cfg.ReservationsPath, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("listing reservations files: %w", err)
	}

	if len(dropPaths) == 0 {
		s.logger.Info("No reservations JSON files found!")

		return nil, nil
	}

	extractions := make([]ReservationExtraction, 0, len(dropPaths))

	for _, dropPath := range dropPaths {
		if err := ctx.Err(); err != nil {
			s.restoreExtracted(extractions)

			return nil, err
		}

		originalFilename := filepath.Base(dropPath)

		tempPath, err := s.archive.AcquireTemp(dropPath)
		if err != nil {
			s.restoreExtracted(extractions)

			return nil, err
		}

		file := FileInfo{
			OriginalFilename:  originalFilename,
			DropDirectory:     filepath.Dir(dropPath),
			TemporaryFilepath: tempPath,
		}

		s.logger.Info("Reading reservations JSON file...", "file", originalFilename)

		data, err := parseReservationsDocument(tempPath)
		if err != nil {
			s.discardTempFile(file, err)

			continue
		}

		logging.Success(s.logger, "Done!", "rows", len(data))

		valid, rejected := splitReservations(data)

		imports, stayDates, rejectedBatch, err := assembleReservationBatches(originalFilename, valid, rejected)
		if err != nil {
			s.discardTempFile(file, err)

			continue
		}

		extractions = append(extractions, ReservationExtraction{
			File:      file,
			Imports:   imports,
			StayDates: stayDates,
			Rejected:  rejectedBatch,
		})
	}

	return extractions, nil
}

// restoreExtracted returns every already acquired file to its drop
// directory. Extraction aborting mid-directory must not strand the
// earlier files in tmp.
func (s *LocalSource) restoreExtracted(extractions []ReservationExtraction) {
	for _, extracted := range extractions {
		s.restoreTempFile(extracted.File)
	}
}

// parseReservationsDocument decodes a reservations file and returns its
// data array. Numbers decode as json.Number so the integer/float
// distinction survives into validation and hashing.
func parseReservationsDocument(path string) ([]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening reservations file: %w", err)
	}
	defer func() { _ = f.Close() }()

	decoder := json.NewDecoder(f)
	decoder.UseNumber()

	var document any
	if err := decoder.Decode(&document); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
	}

	object, ok := document.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top-level value is not an object", ErrMalformedDocument)
	}

	raw, present := object["data"]
	if !present {
		return nil, ErrMissingData
	}

	data, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: data is not an array", ErrMissingData)
	}

	return data, nil
}

// splitReservations validates every record in document order and partitions
// the results into persistable reservations and rejected records.
//
// Stay dates are judged per element, so a reservation can split: when the
// reservation itself is clean but some stay dates are not, a fresh record
// carrying only the valid stay dates goes to the valid set (and will be
// persisted), and a second fresh record carrying only the invalid stay
// dates goes to the rejected set for observability. A reservation with its
// own errors is rejected once, with all of its stay dates attached. The
// input records are never mutated.
func splitReservations(data []any) ([]map[string]any, []rejectedRecord) {
	var (
		valid    []map[string]any
		rejected []rejectedRecord
	)

	for _, item := range data {
		reservation, ok := item.(map[string]any)
		if !ok {
			rejected = append(rejected, rejectedRecord{
				row:  item,
				errs: []*validation.ValidationError{{Message: "reservation must be a JSON object"}},
			})

			continue
		}

		reservationErrs := validateReservationFields(reservation)

		var (
			validStayDates   []map[string]any
			invalidStayDates []any
		)

		rawStayDates, ok := reservation["stay_dates"].([]any)
		if !ok || len(rawStayDates) == 0 {
			reservationErrs = append(reservationErrs,
				&validation.ValidationError{Message: "stay_dates missing or invalid"})
		} else {
			for _, rawStayDate := range rawStayDates {
				stayDate, ok := rawStayDate.(map[string]any)
				if !ok {
					invalidStayDates = append(invalidStayDates, map[string]any{
						"stay_date": rawStayDate,
						"validation_errors": validation.ToMaps([]*validation.ValidationError{
							{Message: "stay_date must be a JSON object"},
						}),
					})

					continue
				}

				if errs := validateStayDate(stayDate, reservation); len(errs) > 0 {
					invalidStayDates = append(invalidStayDates, map[string]any{
						"stay_date":         stayDate,
						"validation_errors": validation.ToMaps(errs),
					})
				} else {
					validStayDates = append(validStayDates, stayDate)
				}
			}
		}

		if len(reservationErrs) > 0 {
			// Rejected once, carrying every stay date: the invalid entries
			// with their errors, then the valid ones marked clean.
			annotated := append([]any{}, invalidStayDates...)
			for _, stayDate := range validStayDates {
				annotated = append(annotated, map[string]any{
					"row":               stayDate,
					"validation_errors": nil,
				})
			}

			rejected = append(rejected, rejectedRecord{
				row:  cloneWithStayDates(reservation, annotated),
				errs: reservationErrs,
			})

			continue
		}

		valid = append(valid, cloneWithStayDates(reservation, mapsToAny(validStayDates)))

		if len(invalidStayDates) > 0 {
			rejected = append(rejected, rejectedRecord{
				row: cloneWithStayDates(reservation, invalidStayDates),
			})
		}
	}

	return valid, rejected
}

// validateReservationFields checks the reservation's own fields: shape and
// type first, then the cross-field rules once every field parsed.
func validateReservationFields(reservation map[string]any) []*validation.ValidationError {
	rec := &validation.Recorder{}

	rec.Record(validation.String(reservation, "hotel_id", validation.StringOptions{NonEmpty: true}))
	rec.Record(validation.String(reservation, "reservation_id", validation.StringOptions{NonEmpty: true}))
	rec.Record(validation.String(reservation, "status", validation.StringOptions{
		NonEmpty:      true,
		AllowedValues: reservationStatuses,
	}))
	rec.Record(validation.Date(reservation, "departure_date", validation.DateOptions{Layout: dateLayout}))
	rec.Record(validation.Date(reservation, "arrival_date", validation.DateOptions{Layout: dateLayout}))
	rec.Record(validation.Datetime(reservation, "created_at", validation.DatetimeOptions{Layout: datetimeLayout}))
	rec.Record(validation.Datetime(reservation, "updated_at", validation.DatetimeOptions{Layout: datetimeLayout}))

	if !rec.Empty() {
		return rec.Errors()
	}

	arrival, _ := validation.ParseDate(reservation["arrival_date"], dateLayout)
	departure, _ := validation.ParseDate(reservation["departure_date"], dateLayout)

	if !arrival.Before(departure) {
		rec.Add(&validation.ValidationError{
			Message: fmt.Sprintf("arrival_date '%s' should be less than departure_date '%s'",
				formatDate(arrival), formatDate(departure)),
			FieldName: "arrival_date",
			Value:     arrival,
		})
	}

	created, _ := validation.ParseDatetime(reservation["created_at"], datetimeLayout)
	updated, _ := validation.ParseDatetime(reservation["updated_at"], datetimeLayout)

	if updated.Before(created) {
		rec.Add(&validation.ValidationError{
			Message: fmt.Sprintf("updated_at '%s' should be greater than or equal to created_at '%s'",
				formatDatetime(updated), formatDatetime(created)),
			FieldName: "updated_at",
			Value:     updated,
		})
	}

	return rec.Errors()
}

// validateStayDate checks one stay-date element. The parent reservation
// supplies the booking window for the containment rule; when that window is
// itself broken the element is flagged as unjudgeable rather than silently
// accepted.
func validateStayDate(stayDate, reservation map[string]any) []*validation.ValidationError {
	rec := &validation.Recorder{}

	rec.Record(validation.Date(stayDate, "start_date", validation.DateOptions{Layout: dateLayout}))
	rec.Record(validation.Date(stayDate, "end_date", validation.DateOptions{Layout: dateLayout}))
	rec.Record(validation.String(stayDate, "room_type_id", validation.StringOptions{NonEmpty: true}))
	rec.Record(validation.String(stayDate, "room_type_name", validation.StringOptions{NonEmpty: true}))
	rec.Record(validation.Int(stayDate, "number_of_adults", validation.IntOptions{MinValue: &minAdults}))
	rec.Record(validation.Int(stayDate, "number_of_children", validation.IntOptions{MinValue: &minChildren}))
	rec.Record(validation.Number(stayDate, "room_revenue_gross_amount", validation.NumberOptions{}))
	rec.Record(validation.Number(stayDate, "room_revenue_net_amount", validation.NumberOptions{}))

	if _, present := stayDate["fnb_gross_amount"]; present {
		rec.Record(validation.Number(stayDate, "fnb_gross_amount", validation.NumberOptions{}))
	}

	if _, present := stayDate["fnb_net_amount"]; present {
		rec.Record(validation.Number(stayDate, "fnb_net_amount", validation.NumberOptions{}))
	}

	if !rec.Empty() {
		return rec.Errors()
	}

	start, _ := validation.ParseDate(stayDate["start_date"], dateLayout)
	end, _ := validation.ParseDate(stayDate["end_date"], dateLayout)

	if start.After(end) {
		rec.Add(&validation.ValidationError{
			Message: fmt.Sprintf("start_date '%s' should be less than or equal to end_date '%s'",
				formatDate(start), formatDate(end)),
			FieldName: "start_date",
			Value:     stayDate,
		})
	}

	arrival, arrivalErr := validation.ParseDate(reservation["arrival_date"], dateLayout)
	departure, departureErr := validation.ParseDate(reservation["departure_date"], dateLayout)

	switch {
	case arrivalErr != nil || departureErr != nil:
		rec.Add(&validation.ValidationError{
			Message: "All dates must be fall within reservation period." +
				"Invalid arrival_date and/or departure_date",
		})
	case start.Before(arrival) || end.After(departure):
		rec.Add(&validation.ValidationError{
			Message: fmt.Sprintf(
				"All dates must be fall within reservation period.'%s' and '%s' not fall into '%s' and '%s'",
				formatDate(start), formatDate(end), formatDate(arrival), formatDate(departure)),
		})
	}

	return rec.Errors()
}

// assembleReservationBatches builds the three insert batches for one file.
// Every row is stamped with its assembly time and the source filename.
// reservation_hash covers the valid record with its surviving stay dates;
// stay_date_hash covers the raw stay-date subrecord, so both stay stable
// across runs and the merge step can deduplicate on them.
func assembleReservationBatches(
	filename string,
	valid []map[string]any,
	rejected []rejectedRecord,
) (storage.Batch, storage.Batch, storage.Batch, error) {
	imports := storage.NewBatch(reservationImportColumns...)
	stayDates := storage.NewBatch(stayDateColumns...)
	rejectedBatch := storage.NewBatch(rejectedImportColumns...)

	for _, reservation := range valid {
		reservationHash, err := canonical.HashRecord(reservation)
		if err != nil {
			return storage.Batch{}, storage.Batch{}, storage.Batch{}, err
		}

		imports.Append(map[string]any{
			"hotel_id":         reservation["hotel_id"],
			"reservation_id":   reservation["reservation_id"],
			"status":           reservation["status"],
			"arrival_date":     reservation["arrival_date"],
			"departure_date":   reservation["departure_date"],
			"source_name":      reservation["source_name"],
			"source_id":        reservation["source_id"],
			"created_at":       reservation["created_at"],
			"updated_at":       reservation["updated_at"],
			"source_filename":  filename,
			"ingested_at":      ingestionStamp(time.Now()),
			"reservation_hash": reservationHash,
		})

		stayDateList, _ := reservation["stay_dates"].([]any)

		for _, raw := range stayDateList {
			stayDate, ok := raw.(map[string]any)
			if !ok {
				continue
			}

			stayDateHash, err := canonical.HashRecord(stayDate)
			if err != nil {
				return storage.Batch{}, storage.Batch{}, storage.Batch{}, err
			}

			stayDates.Append(map[string]any{
				"hotel_id":             reservation["hotel_id"],
				"reservation_id":       reservation["reservation_id"],
				"start_date":           stayDate["start_date"],
				"end_date":             stayDate["end_date"],
				"room_type_id":         stayDate["room_type_id"],
				"room_type_name":       stayDate["room_type_name"],
				"number_of_adults":     intValue(stayDate["number_of_adults"]),
				"number_of_children":   intValue(stayDate["number_of_children"]),
				"revenue_gross_amount": floatValue(stayDate["room_revenue_gross_amount"]),
				"revenue_net_amount":   floatValue(stayDate["room_revenue_net_amount"]),
				"fnb_gross_amount":     optionalFloat(stayDate, "fnb_gross_amount"),
				"fnb_net_amount":       optionalFloat(stayDate, "fnb_net_amount"),
				"created_at":           reservation["created_at"],
				"updated_at":           reservation["updated_at"],
				"ingested_at":          ingestionStamp(time.Now()),
				"reservation_hash":     reservationHash,
				"stay_date_hash":       stayDateHash,
			})
		}
	}

	for _, record := range rejected {
		rowJSON, err := canonical.MarshalValue(record.row)
		if err != nil {
			return storage.Batch{}, storage.Batch{}, storage.Batch{}, err
		}

		errsJSON, err := canonical.MarshalValue(validation.ToMaps(record.errs))
		if err != nil {
			return storage.Batch{}, storage.Batch{}, storage.Batch{}, err
		}

		rejectedBatch.Append(map[string]any{
			"rejected_row":      string(rowJSON),
			"validation_errors": string(errsJSON),
			"source_filename":   filename,
			"ingested_at":       ingestionStamp(time.Now()),
		})
	}

	return imports, stayDates, rejectedBatch, nil
}

// cloneWithStayDates shallow-copies a reservation and swaps in a different
// stay_dates list, so split halves never alias the decoded input.
func cloneWithStayDates(reservation map[string]any, stayDates []any) map[string]any {
	clone := make(map[string]any, len(reservation))
	for key, value := range reservation {
		clone[key] = value
	}

	clone["stay_dates"] = stayDates

	return clone
}

func mapsToAny(records []map[string]any) []any {
	out := make([]any, len(records))
	for i, record := range records {
		out[i] = record
	}

	return out
}
