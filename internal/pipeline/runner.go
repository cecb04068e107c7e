// Package pipeline drives ingestion cycles. The Runner executes one
// synchronous cycle: the inventory snapshot first, then every reservations
// batch, each file committed to the success archive or discarded to the
// error archive independently. The Scheduler repeats cycles on a fixed
// interval behind a single-writer lock file.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/innsight-io/innsight/internal/extraction"
	"github.com/innsight-io/innsight/internal/logging"
	"github.com/innsight-io/innsight/internal/metrics"
	"github.com/innsight-io/innsight/internal/storage"
)

// Staging-merge statements. The staging table is a zero-row structural copy
// of the target, so the post-merge SELECT stg.* matches the target's column
// order positionally; the left anti-join keeps already ingested hashes out.
const (
	reservationImportsPre = `
CREATE TEMP TABLE staging_reservation_imports AS
SELECT * FROM reservation_imports WHERE 1=0`

	reservationImportsPost = `
INSERT INTO reservation_imports
SELECT stg.*
FROM staging_reservation_imports AS stg
LEFT JOIN reservation_imports AS tbl
ON tbl.reservation_hash = stg.reservation_hash
WHERE tbl.reservation_hash IS NULL`

	stayDatesPre = `
CREATE TEMP TABLE staging_reservation_stay_dates AS
SELECT * FROM reservation_stay_dates WHERE 1=0`

	stayDatesPost = `
INSERT INTO reservation_stay_dates
SELECT stg.*
FROM staging_reservation_stay_dates AS stg
LEFT JOIN reservation_stay_dates AS tbl
ON tbl.reservation_hash = stg.reservation_hash
AND tbl.stay_date_hash = stg.stay_date_hash
WHERE tbl.reservation_hash IS NULL`
)

// Runner executes ingestion cycles against one source and one store.
type Runner struct {
	source  extraction.Source
	engine  storage.Engine
	archive extraction.Archive
	logger  *slog.Logger
}

// NewRunner wires a runner. A nil logger falls back to the default logger.
func NewRunner(source extraction.Source, engine storage.Engine, archive extraction.Archive, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		source:  source,
		engine:  engine,
		archive: archive,
		logger:  logger,
	}
}

// Run executes one ingestion cycle. File-level failures (a batch the store
// refuses) move the file to the error archive and the cycle carries on.
// Store connection failures and cancellation abort the cycle instead: the
// files were not the problem, so every in-flight file is returned to its
// drop directory and the next cycle retries them.
func (r *Runner) Run(ctx context.Context) error {
	logger := r.logger.With("cycle_id", uuid.New().String())
	start := time.Now()

	logger.Info("Ingestion started!")

	if err := r.runInventory(ctx, logger); err != nil {
		metrics.ObserveCycle(metrics.ResultError, time.Since(start))

		return err
	}

	if err := r.runReservations(ctx, logger); err != nil {
		metrics.ObserveCycle(metrics.ResultError, time.Since(start))

		return err
	}

	metrics.ObserveCycle(metrics.ResultSuccess, time.Since(start))

	return nil
}

// runInventory replaces the live inventory snapshot: every previous row is
// deactivated in the same transaction that inserts the new rows.
func (r *Runner) runInventory(ctx context.Context, logger *slog.Logger) error {
	result, err := r.source.ExtractInventory(ctx)
	if err != nil {
		return fmt.Errorf("extracting inventory: %w", err)
	}

	if result == nil {
		return nil
	}

	logger.Info("Processing inventory records...")

	inserted, err := r.engine.InsertRows(ctx, "inventory", result.Rows, storage.InsertOptions{
		Pre: "UPDATE inventory SET is_active=false",
	})
	if err != nil {
		if storeUnavailable(ctx, err) {
			r.releaseFile(logger, result.File)

			return fmt.Errorf("inserting inventory: %w", err)
		}

		r.discardFile(logger, result.File, metrics.KindInventory, err)

		return nil
	}

	metrics.AddRowsInserted("inventory", inserted)
	r.commitFile(logger, result.File, metrics.KindInventory)

	logging.Success(logger, "Done!", "rows", inserted)

	return nil
}

// runReservations ingests every extracted reservations batch. Files are
// independent: a batch the store refuses sends its file to the error
// archive and the remaining batches still commit.
func (r *Runner) runReservations(ctx context.Context, logger *slog.Logger) error {
	extractions, err := r.source.ExtractReservations(ctx)
	if err != nil {
		return fmt.Errorf("extracting reservations: %w", err)
	}

	if len(extractions) == 0 {
		return nil
	}

	logger.Info("Processing reservation records...")
	logger.Info(fmt.Sprintf("%d batch ingested!", len(extractions)))

	for i, batch := range extractions {
		if err := ctx.Err(); err != nil {
			r.releaseBatches(logger, extractions[i:])

			return err
		}

		logger.Info(fmt.Sprintf("Processing Batch #%d of %d", i+1, len(extractions)))

		if err := r.ingestReservationBatch(ctx, logger, batch); err != nil {
			if storeUnavailable(ctx, err) {
				r.releaseBatches(logger, extractions[i:])

				return err
			}

			r.discardFile(logger, batch.File, metrics.KindReservations, err)

			continue
		}

		r.commitFile(logger, batch.File, metrics.KindReservations)

		logging.Success(logger, "Done!")
	}

	return nil
}

// ingestReservationBatch lands one file's three batches: rejected rows are
// appended as-is, imports and stay dates go through the staging-merge so
// re-ingested hashes are dropped by the anti-join.
func (r *Runner) ingestReservationBatch(ctx context.Context, logger *slog.Logger, batch extraction.ReservationExtraction) error {
	logger.Info("Processing rejected reservations...")

	inserted, err := r.engine.InsertRows(ctx, "rejected_imports", batch.Rejected, storage.InsertOptions{})
	if err != nil {
		return fmt.Errorf("inserting rejected rows: %w", err)
	}

	metrics.AddRowsInserted("rejected_imports", inserted)
	logging.Success(logger, "Done!")

	logger.Info("Processing reservations...")

	inserted, err = r.engine.InsertRows(ctx, "staging_reservation_imports", batch.Imports, storage.InsertOptions{
		Pre:  reservationImportsPre,
		Post: reservationImportsPost,
	})
	if err != nil {
		return fmt.Errorf("merging reservations: %w", err)
	}

	metrics.AddRowsInserted("reservation_imports", inserted)
	logging.Success(logger, "Done!")

	logger.Info("Processing reservation stay dates...")

	inserted, err = r.engine.InsertRows(ctx, "staging_reservation_stay_dates", batch.StayDates, storage.InsertOptions{
		Pre:  stayDatesPre,
		Post: stayDatesPost,
	})
	if err != nil {
		return fmt.Errorf("merging stay dates: %w", err)
	}

	metrics.AddRowsInserted("reservation_stay_dates", inserted)
	logging.Success(logger, "Done!")

	return nil
}

// commitFile moves a fully committed file to the success archive. A rename
// failure cannot un-commit the rows, so it is logged and the cycle carries
// on; the file stays in tmp for the operator.
func (r *Runner) commitFile(logger *slog.Logger, file extraction.FileInfo, kind string) {
	if _, err := r.archive.CommitSuccess(file); err != nil {
		logger.Error("error moving file to success archive",
			"file", file.OriginalFilename, "error", err)
		metrics.IncFile(kind, metrics.OutcomeError)

		return
	}

	metrics.IncFile(kind, metrics.OutcomeSuccess)
}

// storeUnavailable reports whether a persistence failure is environmental
// rather than a property of the file: the connection failed or the cycle
// was cancelled mid-insert. Discarding the file would misfile good data.
func storeUnavailable(ctx context.Context, err error) bool {
	return storage.IsConnectionError(err) || ctx.Err() != nil
}

// releaseFile returns an in-flight file to its drop directory after an
// abandoned cycle. Rows merged before the abort are no hazard: the next
// attempt's anti-join drops their hashes again. A rename failure leaves
// the file in tmp for the operator.
func (r *Runner) releaseFile(logger *slog.Logger, file extraction.FileInfo) {
	logger.Warn("Cycle abandoned; returning file to drop directory",
		"file", file.OriginalFilename)

	if _, err := r.archive.Restore(file); err != nil {
		logger.Error("error restoring file to drop directory",
			"file", file.OriginalFilename, "error", err)
	}
}

func (r *Runner) releaseBatches(logger *slog.Logger, batches []extraction.ReservationExtraction) {
	for _, batch := range batches {
		r.releaseFile(logger, batch.File)
	}
}

// discardFile moves a file whose batch the store refused to the error
// archive.
func (r *Runner) discardFile(logger *slog.Logger, file extraction.FileInfo, kind string, cause error) {
	logger.Error("Batch failed; moving file to error archive",
		"file", file.OriginalFilename, "error", cause)

	if _, err := r.archive.MoveTempToError(file.TemporaryFilepath); err != nil {
		logger.Error("error moving file to error archive",
			"file", file.OriginalFilename, "error", err)
	}

	metrics.IncFile(kind, metrics.OutcomeError)
}
