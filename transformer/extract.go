package transformer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
)

var (
	// ErrFieldMissing marks an absent or null status field
	ErrFieldMissing = errors.New("field missing")
	// ErrFieldType marks a status field of the wrong JSON type
	ErrFieldType = errors.New("field has wrong type")
)

// ParseError reports a response that is not an array of {id, status} objects.
// Index is the offending item, or -1 when the document itself is malformed.
type ParseError struct {
	Index int
	Err   error
}

func (e *ParseError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("malformed response: %v", e.Err)
	}
	return fmt.Sprintf("malformed response item %d: %v", e.Index, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// FieldExtractionError reports a required field that could not be read
// for one device. It never affects the other items of the response.
type FieldExtractionError struct {
	DeviceID string
	Field    string
	Err      error
}

func (e *FieldExtractionError) Error() string {
	return fmt.Sprintf("device %s: status.%s: %v", e.DeviceID, e.Field, e.Err)
}

func (e *FieldExtractionError) Unwrap() error { return e.Err }

// requiredFields are the status paths every reading needs
var requiredFields = []struct {
	path []string
	set  func(r *Reading, v float64)
}{
	{[]string{"temperature:0", "tC"}, func(r *Reading, v float64) { r.TemperatureC = v }},
	{[]string{"humidity:0", "rh"}, func(r *Reading, v float64) { r.HumidityPct = v }},
	{[]string{"devicepower:0", "battery", "V"}, func(r *Reading, v float64) { r.BatteryV = v }},
	{[]string{"devicepower:0", "battery", "percent"}, func(r *Reading, v float64) { r.BatteryPct = v }},
}

// Extractor decodes cloud status responses into readings
type Extractor struct {
	log logr.Logger
}

// NewExtractor creates an extractor logging to log
func NewExtractor(log logr.Logger) *Extractor {
	return &Extractor{log: log.WithName("extract")}
}

// Extract parses one response. It fails with a *ParseError only when the
// response as a whole is unusable; per-device problems are returned in
// Extraction.Err and the remaining items are still decoded.
func (x *Extractor) Extract(payload []byte) ([]Extraction, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, &ParseError{Index: -1, Err: errors.New("not a JSON array")}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, &ParseError{Index: -1, Err: err}
	}

	out := make([]Extraction, 0, len(items))
	for i, raw := range items {
		var item struct {
			ID     *string                    `json:"id"`
			Status map[string]json.RawMessage `json:"status"`
		}
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, &ParseError{Index: i, Err: err}
		}
		if item.ID == nil {
			return nil, &ParseError{Index: i, Err: errors.New("missing id")}
		}
		if item.Status == nil {
			return nil, &ParseError{Index: i, Err: fmt.Errorf("device %s: missing status object", *item.ID)}
		}

		ex := extractItem(*item.ID, item.Status)
		if ex.Err == nil && !ex.Reading.HasTimestamp {
			x.log.Info("no timestamp, using 0", "device", ex.DeviceID)
		}
		out = append(out, ex)
	}
	return out, nil
}

func extractItem(id string, status map[string]json.RawMessage) Extraction {
	r := Reading{DeviceID: id}

	if ts, err := number(status, "ts"); err == nil {
		r.Timestamp = ts
		r.HasTimestamp = true
	}

	for _, f := range requiredFields {
		v, err := number(status, f.path...)
		if err != nil {
			return Extraction{
				DeviceID: id,
				Err:      &FieldExtractionError{DeviceID: id, Field: strings.Join(f.path, "."), Err: err},
			}
		}
		f.set(&r, v)
	}

	return Extraction{DeviceID: id, Reading: r}
}

// number walks path through nested objects and decodes the final value as a number
func number(obj map[string]json.RawMessage, path ...string) (float64, error) {
	raw, ok := obj[path[0]]
	if !ok || isNull(raw) {
		return 0, ErrFieldMissing
	}

	if len(path) == 1 {
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return 0, fmt.Errorf("%w: %s", ErrFieldType, raw)
		}
		return v, nil
	}

	var next map[string]json.RawMessage
	if err := json.Unmarshal(raw, &next); err != nil {
		return 0, fmt.Errorf("%w: %s is not an object", ErrFieldType, path[0])
	}
	return number(next, path[1:]...)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
