package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/cultivation-engine/cultivation"
)

// timeLayout is fixed width so lexical order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullDay(d *cultivation.Day) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseNullDay(ns sql.NullString) (*cultivation.Day, error) {
	if !ns.Valid {
		return nil, nil
	}
	d, err := cultivation.ParseDay(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// nullID stores a nil typed id pointer as NULL.
func nullID[T ~string](p *T) any {
	if p == nil {
		return nil
	}
	return string(*p)
}

func idPtr[T ~string](ns sql.NullString) *T {
	if !ns.Valid {
		return nil
	}
	v := T(ns.String)
	return &v
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func encodeDays(days []cultivation.Day) string {
	out := make([]string, len(days))
	for i, d := range days {
		out[i] = d.String()
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func decodeDays(s string) ([]cultivation.Day, error) {
	var raw []string
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("bad harvest_dates: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	days := make([]cultivation.Day, len(raw))
	for i, r := range raw {
		d, err := cultivation.ParseDay(r)
		if err != nil {
			return nil, fmt.Errorf("bad harvest_dates: %w", err)
		}
		days[i] = d
	}
	return days, nil
}

func encodeMetadata(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func decodeMetadata(s string) (map[string]string, error) {
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("bad metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}
