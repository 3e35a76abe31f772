package workflow

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/spencermiles/jira-report-web-sub000/internal/domain"
)

// Two changelog shapes coexist historically: the nested history→items records
// Jira's expand=changelog returns, and flat snake_case records from older
// exports. Both are resolved into ChangelogEntry once, at this boundary, so
// nothing downstream branches on shape again.

type NestedHistoryItem struct {
	Field      string `json:"field"`
	FromString string `json:"fromString"`
	ToString   string `json:"toString"`
}

type NestedHistory struct {
	Created string              `json:"created"`
	Items   []NestedHistoryItem `json:"items"`
}

type FlatChange struct {
	FieldName  string `json:"field_name"`
	FromString string `json:"from_string"`
	ToString   string `json:"to_string"`
	Created    string `json:"created"`
}

// ChangelogEntry is the tagged union of the two shapes. Exactly one of the
// pointers is set after decoding.
type ChangelogEntry struct {
	Nested *NestedHistory
	Flat   *FlatChange
}

// UnmarshalJSON sniffs the shape: records with an "items" array are nested
// histories, everything else decodes as a flat change.
func (e *ChangelogEntry) UnmarshalJSON(data []byte) error {
	var probe struct {
		Items json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if len(probe.Items) > 0 && string(probe.Items) != "null" {
		var h NestedHistory
		if err := json.Unmarshal(data, &h); err != nil {
			return err
		}
		e.Nested = &h
		e.Flat = nil
		return nil
	}
	var f FlatChange
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	e.Flat = &f
	e.Nested = nil
	return nil
}

// DecodeChangelog parses a JSON array of changelog entries in either shape.
func DecodeChangelog(data []byte) ([]ChangelogEntry, error) {
	var entries []ChangelogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Normalize filters changelog entries down to status changes and returns them
// sorted ascending by timestamp. Malformed entries (missing to-status,
// unparsable timestamp) are dropped, never fatal. The sort is stable: events
// sharing a timestamp keep their input order, which extraction relies on.
func Normalize(entries []ChangelogEntry) []domain.StatusChangeEvent {
	var events []domain.StatusChangeEvent
	for _, e := range entries {
		switch {
		case e.Nested != nil:
			at := ParseTimeUTC(e.Nested.Created)
			if at == nil {
				continue
			}
			for _, it := range e.Nested.Items {
				if !strings.EqualFold(it.Field, "status") || it.ToString == "" {
					continue
				}
				events = append(events, domain.StatusChangeEvent{At: *at, From: it.FromString, To: it.ToString})
			}
		case e.Flat != nil:
			if !strings.EqualFold(e.Flat.FieldName, "status") || e.Flat.ToString == "" {
				continue
			}
			at := ParseTimeUTC(e.Flat.Created)
			if at == nil {
				continue
			}
			events = append(events, domain.StatusChangeEvent{At: *at, From: e.Flat.FromString, To: e.Flat.ToString})
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].At.Before(events[j].At) })
	return events
}

// ParseTimeUTC accepts the timestamp forms Jira emits across server versions.
func ParseTimeUTC(s string) *time.Time {
	if s == "" {
		return nil
	}
	layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000-0700", "2006-01-02T15:04:05-0700"}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			tt := t.UTC()
			return &tt
		}
	}
	return nil
}
