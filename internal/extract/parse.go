package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/linnemanlabs/aftershock/internal/disaster"
)

// ErrMalformedResponse is returned when model output is not usable JSON.
var ErrMalformedResponse = errors.New("malformed extraction response")

// result is one per-entry record as the model returns it. Every field
// tolerates null, numbers and strings.
type result struct {
	ID           flexString `json:"id"`
	DisasterType flexString `json:"disaster_type"`
	Location     flexString `json:"location"`
	Date         flexString `json:"date"`
	Severity     flexString `json:"severity"`
	AlertLevel   flexString `json:"alert_level"`
	Description  flexString `json:"description"`
}

func (r result) details() disaster.Details {
	d := disaster.Details{
		DisasterType: r.DisasterType.or(disaster.UnknownType),
		Location:     r.Location.or(disaster.UnknownLocation),
		Date:         disaster.UnknownDate,
		AlertLevel:   r.AlertLevel.s,
		Description:  r.Description.s,
	}
	if r.Date.s != "" {
		d.Date = NormalizeDate(r.Date.s)
	}
	if r.Severity.s != "" {
		sev := r.Severity.s
		d.Severity = &sev
	}
	return d
}

type flexString struct {
	s string
}

func (f *flexString) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case nil:
		f.s = ""
	case string:
		f.s = strings.TrimSpace(t)
	case float64:
		f.s = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		f.s = strconv.FormatBool(t)
	default:
		f.s = string(b)
	}
	return nil
}

func (f flexString) or(def string) string {
	if f.s == "" {
		return def
	}
	return f.s
}

// ParseResponse decodes model output into details keyed by id. It accepts
// {"results":[...]}, a bare array, or a single object carrying an id, with or
// without a surrounding markdown code fence. Records without an id are
// dropped.
func ParseResponse(text string) (map[string]disaster.Details, error) {
	raw := bytes.TrimSpace([]byte(stripFence(text)))
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedResponse)
	}

	var records []result
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
	case '{':
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
		if rs, ok := probe["results"]; ok {
			if err := json.Unmarshal(rs, &records); err != nil {
				return nil, fmt.Errorf("%w: results: %w", ErrMalformedResponse, err)
			}
		} else if _, ok := probe["id"]; ok {
			var one result
			if err := json.Unmarshal(raw, &one); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
			}
			records = []result{one}
		}
	default:
		return nil, fmt.Errorf("%w: unexpected leading %q", ErrMalformedResponse, raw[0])
	}

	out := make(map[string]disaster.Details, len(records))
	for _, r := range records {
		if r.ID.s == "" {
			continue
		}
		out[r.ID.s] = r.details()
	}
	return out, nil
}

// stripFence removes a ```json ... ``` wrapper if present.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return s
}
