// Package kpi reads the per-night KPI view and exports it as a report
// file. The Calculator is a read-only consumer of the store: it never
// initializes schema and never writes a table, only the export file.
package kpi

import (
	"context"
	_ "embed"
	"encoding/csv"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/innsight-io/innsight/internal/logging"
	"github.com/innsight-io/innsight/internal/storage"
)

// Export formats accepted by Params.ExportType (case-insensitive).
const (
	ExportCSV  = "CSV"
	ExportHTML = "HTML"
)

const (
	dateLayout         = "2006-01-02"
	filenameDateLayout = "2006_01_02"
	reportDateLayout   = "2006-01-02 15:04:05"
)

var (
	// ErrQueryFailed wraps failures reading view_kpi.
	ErrQueryFailed = errors.New("kpi query failed")
	// ErrExportFailed wraps failures writing the report file.
	ErrExportFailed = errors.New("kpi export failed")
	// ErrUnknownExportType is returned for export types other than CSV and HTML.
	ErrUnknownExportType = errors.New("unknown export type")
)

// exportColumns is the report header, in order.
var exportColumns = []string{"NIGHT_OF_STAY", "OCCUPANCY_PERCENTAGE", "TOTAL_NET_REVENUE", "ADR"}

//go:embed report.html.tmpl
var reportTemplateSource string

var reportTemplate = template.Must(template.New("report").Parse(reportTemplateSource))

type (
	// Params describes one report request.
	Params struct {
		StartDate    time.Time
		EndDate      time.Time
		HotelID      int
		ExcludeDates []time.Time
		// ExportType is CSV or HTML, case-insensitive; empty means CSV.
		ExportType string
		// ExportPath is the export directory, created if missing; empty
		// means the working directory.
		ExportPath string
	}

	// Line is one KPI night inside the report window.
	Line struct {
		NightOfStay         time.Time
		OccupancyPercentage float64
		TotalNetRevenue     float64
		ADR                 float64
	}

	// Calculator generates KPI reports from view_kpi.
	Calculator struct {
		engine storage.Engine
		logger *slog.Logger
	}
)

// NewCalculator wires a calculator. A nil logger falls back to the default
// logger.
func NewCalculator(engine storage.Engine, logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Calculator{engine: engine, logger: logger}
}

// Run loads the KPI rows for the requested window, drops excluded nights,
// and writes the report file. It returns the exported file path.
func (c *Calculator) Run(ctx context.Context, p Params) (string, error) {
	exportType := strings.ToUpper(strings.TrimSpace(p.ExportType))
	if exportType == "" {
		exportType = ExportCSV
	}

	args := []any{
		"hotel_id", p.HotelID,
		"start_date", p.StartDate.Format(dateLayout),
		"end_date", p.EndDate.Format(dateLayout),
		"export_path", exportDir(p.ExportPath),
		"export_type", exportType,
	}
	if len(p.ExcludeDates) > 0 {
		args = append(args, "exclude_dates", joinDates(p.ExcludeDates))
	}

	c.logger.Info("Generating KPI report", args...)

	lines, err := c.load(ctx, p)
	if err != nil {
		return "", err
	}

	lines = excludeNights(lines, p.ExcludeDates)

	var path string

	switch exportType {
	case ExportCSV:
		path, err = c.exportCSV(p, lines)
	case ExportHTML:
		path, err = c.exportHTML(p, lines)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownExportType, p.ExportType)
	}

	if err != nil {
		return "", err
	}

	logging.Success(c.logger, fmt.Sprintf("KPI report generated and exported as %s to '%s'", exportType, path))

	return path, nil
}

// load queries view_kpi for the window. The window bounds and hotel id are
// typed values formatted into the statement, not caller strings.
func (c *Calculator) load(ctx context.Context, p Params) ([]Line, error) {
	query := fmt.Sprintf(
		"SELECT night_of_stay, occupancy_percentage, total_net_revenue, adr FROM view_kpi "+
			"WHERE night_of_stay BETWEEN '%s' AND '%s' AND hotel_id = %d ORDER BY night_of_stay",
		p.StartDate.Format(dateLayout), p.EndDate.Format(dateLayout), p.HotelID)

	result, err := c.engine.Execute(ctx, query, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	lines := make([]Line, 0, len(result.Rows))

	for i, row := range result.Rows {
		line, err := scanLine(row)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %w", ErrQueryFailed, i, err)
		}

		lines = append(lines, line)
	}

	return lines, nil
}

// scanLine converts one view row. Nights arrive as dates on postgres and
// ISO strings on sqlite; numerics can degrade to integers when a null-safe
// branch yields a literal zero.
func scanLine(row []any) (Line, error) {
	if len(row) < 4 {
		return Line{}, fmt.Errorf("expected 4 columns, got %d", len(row))
	}

	night, err := parseNight(row[0])
	if err != nil {
		return Line{}, err
	}

	occupancy, err := toFloat(row[1])
	if err != nil {
		return Line{}, fmt.Errorf("occupancy_percentage: %w", err)
	}

	revenue, err := toFloat(row[2])
	if err != nil {
		return Line{}, fmt.Errorf("total_net_revenue: %w", err)
	}

	adr, err := toFloat(row[3])
	if err != nil {
		return Line{}, fmt.Errorf("adr: %w", err)
	}

	return Line{
		NightOfStay:         night,
		OccupancyPercentage: occupancy,
		TotalNetRevenue:     revenue,
		ADR:                 adr,
	}, nil
}

func parseNight(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return time.Date(v.Year(), v.Month(), v.Day(), 0, 0, 0, 0, time.UTC), nil
	case string:
		return parseNightString(v)
	case []byte:
		return parseNightString(string(v))
	default:
		return time.Time{}, fmt.Errorf("night_of_stay has unexpected type %T", value)
	}
}

func parseNightString(s string) (time.Time, error) {
	for _, layout := range []string{dateLayout, reportDateLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("night_of_stay %q is not a date", s)
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case []byte:
		return strconv.ParseFloat(string(v), 64)
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", value)
	}
}

func excludeNights(lines []Line, excludes []time.Time) []Line {
	if len(excludes) == 0 {
		return lines
	}

	drop := make(map[string]struct{}, len(excludes))
	for _, d := range excludes {
		drop[d.Format(dateLayout)] = struct{}{}
	}

	kept := make([]Line, 0, len(lines))

	for _, line := range lines {
		if _, excluded := drop[line.NightOfStay.Format(dateLayout)]; excluded {
			continue
		}

		kept = append(kept, line)
	}

	return kept
}

func (c *Calculator) exportCSV(p Params, lines []Line) (string, error) {
	path, err := c.exportFilepath(p, "csv")
	if err != nil {
		return "", err
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrExportFailed, err)
	}

	w := csv.NewWriter(f)
	_ = w.Write(exportColumns)

	for _, line := range lines {
		_ = w.Write([]string{
			line.NightOfStay.Format(dateLayout),
			fmt.Sprintf("%.2f", line.OccupancyPercentage),
			fmt.Sprintf("%.2f", line.TotalNetRevenue),
			fmt.Sprintf("%.2f", line.ADR),
		})
	}

	w.Flush()

	err = w.Error()
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrExportFailed, err)
	}

	return path, nil
}

type (
	templateData struct {
		ReportDate   string
		HotelID      int
		StartDate    string
		EndDate      string
		ExcludeDates string
		Lines        []templateLine
	}

	templateLine struct {
		NightOfStay         string
		OccupancyPercentage string
		TotalNetRevenue     string
		ADR                 string
	}
)

func (c *Calculator) exportHTML(p Params, lines []Line) (string, error) {
	path, err := c.exportFilepath(p, "html")
	if err != nil {
		return "", err
	}

	data := templateData{
		ReportDate:   time.Now().Format(reportDateLayout),
		HotelID:      p.HotelID,
		StartDate:    p.StartDate.Format(dateLayout),
		EndDate:      p.EndDate.Format(dateLayout),
		ExcludeDates: "No dates excluded!",
		Lines:        make([]templateLine, 0, len(lines)),
	}
	if len(p.ExcludeDates) > 0 {
		data.ExcludeDates = joinDates(p.ExcludeDates)
	}

	for _, line := range lines {
		data.Lines = append(data.Lines, templateLine{
			NightOfStay:         line.NightOfStay.Format(dateLayout),
			OccupancyPercentage: fmt.Sprintf("%.2f%%", line.OccupancyPercentage),
			TotalNetRevenue:     fmt.Sprintf("%.2f €", line.TotalNetRevenue),
			ADR:                 fmt.Sprintf("%.2f €", line.ADR),
		})
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrExportFailed, err)
	}

	err = reportTemplate.Execute(f, data)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrExportFailed, err)
	}

	return path, nil
}

// exportFilepath creates the export directory and returns the report path:
// kpi_<hotel>_<start>_to_<end>.<ext> with underscore-separated dates.
func (c *Calculator) exportFilepath(p Params, ext string) (string, error) {
	dir := exportDir(p.ExportPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %w", ErrExportFailed, err)
	}

	filename := fmt.Sprintf("kpi_%d_%s_to_%s.%s", p.HotelID,
		p.StartDate.Format(filenameDateLayout), p.EndDate.Format(filenameDateLayout), ext)

	return filepath.Join(dir, filename), nil
}

func exportDir(path string) string {
	if path == "" {
		return "."
	}

	return path
}

func joinDates(dates []time.Time) string {
	parts := make([]string, 0, len(dates))
	for _, d := range dates {
		parts = append(parts, d.Format(dateLayout))
	}

	return strings.Join(parts, ", ")
}
