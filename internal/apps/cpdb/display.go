package cpdb

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cpdb/esindex/internal/query"
)

// Findings maps final finding codes to their display names.
var Findings = map[string]string{
	"SU": "Sustained",
	"NS": "Not Sustained",
	"EX": "Exonerated",
	"UN": "Unfounded",
	"NC": "No Cooperation",
	"NA": "No Affidavit",
	"DS": "Discharged",
	"ZZ": "Unknown",
}

// FindingDisplay returns the display name of a finding code. Unknown codes
// display as Unknown.
func FindingDisplay(code any) string {
	if name, ok := Findings[String(code)]; ok {
		return name
	}
	return "Unknown"
}

// Int64 converts the integer forms drivers and the array parser produce.
func Int64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), n == float64(int64(n))
	case decimal.Decimal:
		return n.IntPart(), n.IsInteger()
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	case []byte:
		i, err := strconv.ParseInt(string(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// String renders a scalar; nil becomes "".
func String(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(s)
	}
}

// FullName joins first and last name.
func FullName(row map[string]any) string {
	return strings.TrimSpace(String(row["first_name"]) + " " + String(row["last_name"]))
}

// Age is the age in whole years reached during now's year, or nil when the
// birth year is unknown.
func Age(birthYear any, now time.Time) any {
	year, ok := Int64(birthYear)
	if !ok {
		return nil
	}
	return int64(now.Year()) - year
}

// PointDoc renders a decoded geometry as a geo_point document.
func PointDoc(v any) any {
	p, ok := v.(*query.Point)
	if !ok || p == nil {
		return nil
	}
	return map[string]any{"lon": p.Lon, "lat": p.Lat}
}

// Percentiles collects the officer percentile columns under document
// names.
func Percentiles(officer map[string]any) map[string]any {
	if officer == nil {
		return nil
	}
	return map[string]any{
		"percentile_allegation":          officer["complaint_percentile"],
		"percentile_allegation_civilian": officer["civilian_allegation_percentile"],
		"percentile_allegation_internal": officer["internal_allegation_percentile"],
		"percentile_trr":                 officer["trr_percentile"],
	}
}

// Address joins the street lines and the city.
func Address(row map[string]any) string {
	var street []string
	for _, k := range []string{"add1", "add2"} {
		if s := strings.TrimSpace(String(row[k])); s != "" {
			street = append(street, s)
		}
	}
	var parts []string
	if len(street) > 0 {
		parts = append(parts, strings.Join(street, " "))
	}
	if city := strings.TrimSpace(String(row["city"])); city != "" {
		parts = append(parts, city)
	}
	return strings.Join(parts, ", ")
}
