// Package validation provides the field-level checks run against raw
// ingestion records (reservations, stay dates, inventory rows, config maps).
//
// Validators are pure functions over a decoded record: they never panic on
// malformed input, and they report failures as structured ValidationError
// values that serialise into the rejected_imports payload. Numeric values
// decoded from JSON are expected as json.Number so the integer/float
// distinction survives decoding.
package validation

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Default layouts used when an option struct leaves the layout empty.
const (
	DefaultDateLayout     = "02.01.2006"
	DefaultDatetimeLayout = "02.01.2006 15:04:05"
)

type (
	// ValidationError describes a single failed check on a single field.
	// FieldName is empty for record-level failures (e.g. missing stay_dates).
	ValidationError struct {
		Message   string
		FieldName string
		Value     any
		Metadata  map[string]any
	}

	// IntOptions carries the optional inclusive bounds for Int.
	IntOptions struct {
		MinValue *int64
		MaxValue *int64
	}

	// NumberOptions carries the optional inclusive bounds for Number.
	// DisallowInt rejects integer-valued inputs (5, 5.0, "5").
	NumberOptions struct {
		MinValue    *float64
		MaxValue    *float64
		DisallowInt bool
	}

	// StringOptions constrains String. NonEmpty rejects values that are
	// blank after trimming; AllowedValues, when set, is an exact-match set.
	StringOptions struct {
		NonEmpty      bool
		AllowedValues []string
	}

	// DateOptions carries the parse layout and optional inclusive bounds
	// for Date. An empty Layout means DefaultDateLayout.
	DateOptions struct {
		Layout  string
		MinDate *time.Time
		MaxDate *time.Time
	}

	// DatetimeOptions carries the parse layout and optional inclusive
	// bounds for Datetime. An empty Layout means DefaultDatetimeLayout.
	DatetimeOptions struct {
		Layout      string
		MinDatetime *time.Time
		MaxDatetime *time.Time
	}
)

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.FieldName + " : " + e.Message
}

// ToMap converts the error into the shape persisted in rejected_imports.
// Unset fields serialise as null, matching the wire payload consumers expect.
func (e *ValidationError) ToMap() map[string]any {
	var fieldName any
	if e.FieldName != "" {
		fieldName = e.FieldName
	}

	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	return map[string]any{
		"message":    e.Message,
		"field_name": fieldName,
		"value":      e.Value,
		"metadata":   metadata,
	}
}

// ToMaps converts a slice of validation errors for persistence.
func ToMaps(errs []*ValidationError) []any {
	maps := make([]any, 0, len(errs))
	for _, e := range errs {
		maps = append(maps, e.ToMap())
	}

	return maps
}

// Recorder accumulates validation errors across a validation pass.
// Phase II checks only run when the Phase I pass left the recorder empty.
type Recorder struct {
	errs []*ValidationError
}

// Record appends err when ok is false. It accepts the (ok, err) pair
// returned by the validators so call sites stay one line per field.
func (r *Recorder) Record(ok bool, err *ValidationError) {
	if !ok {
		r.errs = append(r.errs, err)
	}
}

// Add appends an error built directly by the caller (business-rule checks).
func (r *Recorder) Add(err *ValidationError) {
	r.errs = append(r.errs, err)
}

// Empty reports whether any error has been recorded.
func (r *Recorder) Empty() bool {
	return len(r.errs) == 0
}

// Errors returns the recorded errors in record order.
func (r *Recorder) Errors() []*ValidationError {
	return r.errs
}

// Int validates record[field] as an integer. Booleans are rejected.
// Strings must be non-empty after trimming and carry integer syntax;
// numeric values are truncated toward zero. Bounds are inclusive.
func Int(record map[string]any, field string, opts IntOptions) (bool, *ValidationError) {
	metadata := map[string]any{
		"min_value": int64OrNil(opts.MinValue),
		"max_value": int64OrNil(opts.MaxValue),
	}

	if record == nil {
		return false, &ValidationError{Message: "Value is NULL!", FieldName: field, Metadata: metadata}
	}

	raw, present := record[field]
	if !present {
		return false, &ValidationError{Message: field + " is missing", FieldName: field, Metadata: metadata}
	}

	if _, isBool := raw.(bool); isBool {
		return false, &ValidationError{Message: field + " must be an integer", FieldName: field, Value: raw, Metadata: metadata}
	}

	value, ok := toInt(raw)
	if !ok {
		return false, &ValidationError{
			Message:   field + " must be an integer or integer-like string",
			FieldName: field,
			Value:     raw,
			Metadata:  metadata,
		}
	}

	if opts.MinValue != nil && value < *opts.MinValue {
		return false, &ValidationError{
			Message:   field + " field value " + strconv.FormatInt(value, 10) + " must be >= " + strconv.FormatInt(*opts.MinValue, 10),
			FieldName: field,
			Value:     value,
			Metadata:  metadata,
		}
	}

	if opts.MaxValue != nil && value > *opts.MaxValue {
		return false, &ValidationError{
			Message:   field + " field value " + strconv.FormatInt(value, 10) + " must be <= " + strconv.FormatInt(*opts.MaxValue, 10),
			FieldName: field,
			Value:     value,
			Metadata:  metadata,
		}
	}

	return true, nil
}

// Number validates record[field] as a finite float. Booleans and explicit
// nulls are rejected; integer-valued inputs are rejected when DisallowInt
// is set. Bounds are inclusive.
func Number(record map[string]any, field string, opts NumberOptions) (bool, *ValidationError) {
	metadata := map[string]any{
		"min_value": float64OrNil(opts.MinValue),
		"max_value": float64OrNil(opts.MaxValue),
		"allow_int": !opts.DisallowInt,
	}

	if record == nil {
		return false, &ValidationError{Message: "Value is NULL!", FieldName: field, Metadata: metadata}
	}

	raw, present := record[field]
	if !present {
		return false, &ValidationError{Message: field + " is missing", FieldName: field, Metadata: metadata}
	}

	if raw == nil {
		return false, &ValidationError{Message: field + " is NULL", FieldName: field, Value: raw, Metadata: metadata}
	}

	if _, isBool := raw.(bool); isBool {
		return false, &ValidationError{Message: field + " must be a number", FieldName: field, Value: raw, Metadata: metadata}
	}

	value, ok := toFloat(raw)
	if !ok {
		return false, &ValidationError{Message: field + " must be a number", FieldName: field, Value: raw, Metadata: metadata}
	}

	if math.IsInf(value, 0) || math.IsNaN(value) {
		return false, &ValidationError{Message: field + " must be finite number", FieldName: field, Value: raw, Metadata: metadata}
	}

	if opts.DisallowInt && value == math.Trunc(value) {
		return false, &ValidationError{Message: field + " must be non-integer number", FieldName: field, Value: raw, Metadata: metadata}
	}

	if opts.MinValue != nil && value < *opts.MinValue {
		return false, &ValidationError{
			Message:   field + " field value " + formatFloat(value) + " must be >= " + formatFloat(*opts.MinValue),
			FieldName: field,
			Value:     value,
			Metadata:  metadata,
		}
	}

	if opts.MaxValue != nil && value > *opts.MaxValue {
		return false, &ValidationError{
			Message:   field + " field value " + formatFloat(value) + " must be <= " + formatFloat(*opts.MaxValue),
			FieldName: field,
			Value:     value,
			Metadata:  metadata,
		}
	}

	return true, nil
}

// String validates record[field] as a string instance.
func String(record map[string]any, field string, opts StringOptions) (bool, *ValidationError) {
	var allowedValues any
	if opts.AllowedValues != nil {
		allowedValues = opts.AllowedValues
	}

	metadata := map[string]any{
		"allow_empty_string": !opts.NonEmpty,
		"allowed_values":     allowedValues,
	}

	if record == nil {
		return false, &ValidationError{Message: "Value is NULL!", FieldName: field, Metadata: metadata}
	}

	raw, present := record[field]
	if !present {
		return false, &ValidationError{Message: field + " is missing", FieldName: field, Metadata: metadata}
	}

	value, isString := raw.(string)
	if !isString {
		return false, &ValidationError{Message: field + " must be a string", FieldName: field, Value: raw, Metadata: metadata}
	}

	if opts.NonEmpty && strings.TrimSpace(value) == "" {
		return false, &ValidationError{Message: field + " must NOT be empty string", FieldName: field, Value: raw, Metadata: metadata}
	}

	if opts.AllowedValues != nil && !contains(opts.AllowedValues, value) {
		return false, &ValidationError{
			Message:   field + " must be one of " + strings.Join(opts.AllowedValues, ", "),
			FieldName: field,
			Value:     raw,
			Metadata:  metadata,
		}
	}

	return true, nil
}

// Boolean validates record[field] as a bool or the strings "true"/"false"
// (case-insensitive, trimmed).
func Boolean(record map[string]any, field string) (bool, *ValidationError) {
	if record == nil {
		return false, &ValidationError{Message: "Value is NULL!", FieldName: field}
	}

	raw, present := record[field]
	if !present {
		return false, &ValidationError{Message: field + " is missing", FieldName: field}
	}

	switch value := raw.(type) {
	case string:
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return false, &ValidationError{Message: field + " must be a boolean or boolean-like", FieldName: field}
		}

		if lower := strings.ToLower(trimmed); lower != "true" && lower != "false" {
			return false, &ValidationError{Message: field + " must be a boolean or boolean-like", FieldName: field}
		}
	case bool:
	default:
		return false, &ValidationError{Message: field + " must be a boolean", FieldName: field}
	}

	return true, nil
}

// Date validates record[field] as a pure date: either a time.Time without a
// time-of-day component, or a string matching the layout. A time.Time that
// carries a clock reading is a datetime and is rejected.
func Date(record map[string]any, field string, opts DateOptions) (bool, *ValidationError) {
	layout := opts.Layout
	if layout == "" {
		layout = DefaultDateLayout
	}

	metadata := map[string]any{
		"pattern":  layout,
		"min_date": dateISOOrNil(opts.MinDate),
		"max_date": dateISOOrNil(opts.MaxDate),
	}

	if record == nil {
		return false, &ValidationError{Message: "Value is NULL!", FieldName: field, Metadata: metadata}
	}

	raw, present := record[field]
	if !present {
		return false, &ValidationError{Message: field + " is missing", FieldName: field, Metadata: metadata}
	}

	var value time.Time

	switch v := raw.(type) {
	case time.Time:
		if !isDateOnly(v) {
			return false, &ValidationError{
				Message:   field + " must be a date string or date (not datetime)",
				FieldName: field,
				Value:     raw,
				Metadata:  metadata,
			}
		}

		value = v
	case string:
		parsed, err := time.Parse(layout, v)
		if err != nil {
			return false, &ValidationError{Message: field + " must be valid date value", FieldName: field, Value: raw, Metadata: metadata}
		}

		value = parsed
	default:
		return false, &ValidationError{
			Message:   field + " must be a date string or date (not datetime)",
			FieldName: field,
			Value:     raw,
			Metadata:  metadata,
		}
	}

	if opts.MinDate != nil && value.Before(*opts.MinDate) {
		return false, &ValidationError{
			Message:   field + " field value " + formatDate(value) + " must be >= " + formatDate(*opts.MinDate),
			FieldName: field,
			Value:     raw,
			Metadata:  metadata,
		}
	}

	if opts.MaxDate != nil && value.After(*opts.MaxDate) {
		return false, &ValidationError{
			Message:   field + " field value " + formatDate(value) + " must be <= " + formatDate(*opts.MaxDate),
			FieldName: field,
			Value:     raw,
			Metadata:  metadata,
		}
	}

	return true, nil
}

// Datetime validates record[field] as a datetime: a time.Time, or a string
// matching the layout. Parsing follows time.Parse, which tolerates a
// fractional second after the seconds field even when the layout has none.
func Datetime(record map[string]any, field string, opts DatetimeOptions) (bool, *ValidationError) {
	layout := opts.Layout
	if layout == "" {
		layout = DefaultDatetimeLayout
	}

	metadata := map[string]any{
		"pattern":   layout,
		"min_date":  datetimeISOOrNil(opts.MinDatetime),
		"maxn_date": datetimeISOOrNil(opts.MaxDatetime),
	}

	if record == nil {
		return false, &ValidationError{Message: "Value is NULL!", FieldName: field, Metadata: metadata}
	}

	raw, present := record[field]
	if !present {
		return false, &ValidationError{Message: field + " is missing", FieldName: field, Metadata: metadata}
	}

	var value time.Time

	switch v := raw.(type) {
	case time.Time:
		value = v
	case string:
		parsed, err := time.Parse(layout, v)
		if err != nil {
			return false, &ValidationError{Message: field + " must be valid datetime value", FieldName: field, Value: raw, Metadata: metadata}
		}

		value = parsed
	default:
		return false, &ValidationError{
			Message:   field + " must be a datetime string or datetime",
			FieldName: field,
			Value:     raw,
			Metadata:  metadata,
		}
	}

	if opts.MinDatetime != nil && value.Before(*opts.MinDatetime) {
		return false, &ValidationError{
			Message:   field + " field value " + formatDatetime(value) + " must be >= " + formatDatetime(*opts.MinDatetime),
			FieldName: field,
			Value:     raw,
			Metadata:  metadata,
		}
	}

	if opts.MaxDatetime != nil && value.After(*opts.MaxDatetime) {
		return false, &ValidationError{
			Message:   field + " field value " + formatDatetime(value) + " must be <= " + formatDatetime(*opts.MaxDatetime),
			FieldName: field,
			Value:     raw,
			Metadata:  metadata,
		}
	}

	return true, nil
}

// ParseDate parses a date-typed value: a layout-formatted string, or a
// time.Time whose clock reading is dropped. Nil and unparseable values
// return an error.
func ParseDate(value any, layout string) (time.Time, error) {
	switch v := value.(type) {
	case string:
		parsed, err := time.Parse(layout, v)
		if err != nil {
			return time.Time{}, err
		}

		return truncateToDate(parsed), nil
	case time.Time:
		return truncateToDate(v), nil
	default:
		return time.Time{}, &ValidationError{Message: "value is not a date"}
	}
}

// ParseDatetime parses a datetime-typed value: a layout-formatted string or
// a time.Time.
func ParseDatetime(value any, layout string) (time.Time, error) {
	switch v := value.(type) {
	case string:
		return time.Parse(layout, v)
	case time.Time:
		return v, nil
	default:
		return time.Time{}, &ValidationError{Message: "value is not a datetime"}
	}
}

func toInt(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, false
		}

		return int64(math.Trunc(v)), true
	case json.Number:
		if value, err := v.Int64(); err == nil {
			return value, true
		}

		f, err := v.Float64()
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return 0, false
		}

		return int64(math.Trunc(f)), true
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, false
		}

		value, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return 0, false
		}

		return value, true
	default:
		return 0, false
	}
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		value, err := v.Float64()
		if err != nil {
			return 0, false
		}

		return value, true
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, false
		}

		value, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false
		}

		return value, true
	default:
		return 0, false
	}
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}

	return false
}

func isDateOnly(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
}

func truncateToDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func formatDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// formatDatetime renders a datetime the way it appears in persisted error
// payloads: seconds precision, with the fractional part only when non-zero.
func formatDatetime(t time.Time) string {
	if t.Nanosecond() == 0 {
		return t.Format("2006-01-02 15:04:05")
	}

	return t.Format("2006-01-02 15:04:05.000000")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func int64OrNil(p *int64) any {
	if p == nil {
		return nil
	}

	return *p
}

func float64OrNil(p *float64) any {
	if p == nil {
		return nil
	}

	return *p
}

func dateISOOrNil(p *time.Time) any {
	if p == nil {
		return nil
	}

	return p.Format("2006-01-02")
}

func datetimeISOOrNil(p *time.Time) any {
	if p == nil {
		return nil
	}

	return p.Format("2006-01-02T15:04:05")
}
