package extraction

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultFetchTimeout bounds a single artefact download end to end.
	defaultFetchTimeout = 30 * time.Second

	// defaultFetchRate is the request budget against the upstream API,
	// shared across both artefact fetches.
	defaultFetchRate = rate.Limit(2)

	// maxFetchBytes caps a downloaded artefact. Anything larger than this
	// is not a plausible snapshot or batch and is refused before it can
	// fill the disk.
	maxFetchBytes = 64 << 20
)

// APIConfig carries the upstream endpoints for an API source.
type APIConfig struct {
	BaseURL              string
	InventoryEndpoint    string
	ReservationsEndpoint string
}

// APISource downloads the cycle's artefacts over HTTP into the local drop
// directories and then extracts them with the same filesystem state machine
// as a local source. A failed download is cycle-level: it is logged and the
// extraction proceeds with whatever already sits in the drop directory.
type APISource struct {
	cfg      APIConfig
	local    *LocalSource
	client   *http.Client
	limiter  *rate.Limiter
	maxBytes int64
	logger   *slog.Logger
}

// NewAPISource returns an API source writing into the drop directories of
// localCfg. A nil logger falls back to the default logger.
func NewAPISource(cfg APIConfig, localCfg LocalConfig, archive Archive, logger *slog.Logger) *APISource {
	if logger == nil {
		logger = slog.Default()
	}

	return &APISource{
		cfg:      cfg,
		local:    NewLocalSource(localCfg, archive, logger),
		client:   &http.Client{Timeout: defaultFetchTimeout},
		limiter:  rate.NewLimiter(defaultFetchRate, 1),
		maxBytes: maxFetchBytes,
		logger:   logger,
	}
}

// ExtractInventory downloads the inventory snapshot and runs the local
// inventory state machine over the drop directory.
func (s *APISource) ExtractInventory(ctx context.Context) (*InventoryExtraction, error) {
	destPath := filepath.Join(s.local.cfg.InventoryPath, "inventory.csv")

	if err := s.fetch(ctx, s.cfg.InventoryEndpoint, destPath); err != nil {
		s.logger.Error("error fetching inventory snapshot", "error", err)
	}

	return s.local.ExtractInventory(ctx)
}

// ExtractReservations downloads a reservations batch under a timestamped
// name and runs the local reservations state machine over the drop
// directory, picking up earlier undelivered batches along the way.
func (s *APISource) ExtractReservations(ctx context.Context) ([]ReservationExtraction, error) {
	filename := fmt.Sprintf("reservations_%d.json", time.Now().Unix())
	destPath := filepath.Join(s.local.cfg.ReservationsPath, filename)

	if err := s.fetch(ctx, s.cfg.ReservationsEndpoint, destPath); err != nil {
		s.logger.Error("error fetching reservations batch", "error", err)
	}

	return s.local.ExtractReservations(ctx)
}

// fetch downloads one endpoint into destPath. The payload is written to a
// hidden name first and renamed into place, so the extractor can never
// observe a partial file.
func (s *APISource) fetch(ctx context.Context, endpoint, destPath string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	url := joinURL(s.cfg.BaseURL, endpoint)

	s.logger.Info("Fetching artefact...", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d", ErrFetchFailed, url, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	// The extension-less temp name keeps the partial download out of the
	// *.csv and *.json globs until the rename below.
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".download-*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	written, err := io.Copy(tmp, io.LimitReader(resp.Body, s.maxBytes+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	if written > s.maxBytes {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("%w: %s response exceeds %d bytes", ErrFetchFailed, url, s.maxBytes)
	}

	if err := os.Rename(tmp.Name(), destPath); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	s.logger.Info("Artefact fetched", "path", destPath, "bytes", written)

	return nil
}

func joinURL(base, endpoint string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(endpoint, "/")
}
