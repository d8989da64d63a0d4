package dataset

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring"
)

// missingMarkers are the cell spellings read as missing, in addition to the empty cell.
var missingMarkers = map[string]bool{
	"NA": true, "N/A": true, "n/a": true, "NaN": true, "nan": true, "-NaN": true, "-nan": true,
	"NULL": true, "null": true, "None": true, "#N/A": true, "#N/A N/A": true, "#NA": true,
	"<NA>": true, "-1.#IND": true, "-1.#QNAN": true, "1.#IND": true, "1.#QNAN": true,
}

var (
	trueSpellings  = map[string]bool{"True": true, "TRUE": true, "true": true}
	falseSpellings = map[string]bool{"False": true, "FALSE": true, "false": true}
)

var temporalLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"01/02/2006 15:04:05",
}

func isMissing(cell string) bool {
	s := strings.TrimSpace(cell)
	return s == "" || missingMarkers[s]
}

func parseNumber(cell string) (float64, bool) {
	s := strings.TrimSpace(cell)
	// ParseFloat also accepts Go literal syntax that never appears in tabular data.
	if strings.ContainsAny(s, "_xXpP") {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

func isInteger(cell string) bool {
	_, err := strconv.ParseInt(strings.TrimSpace(cell), 10, 64)
	return err == nil
}

func parseTime(cell string) (time.Time, bool) {
	s := strings.TrimSpace(cell)
	for _, layout := range temporalLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// buildColumn infers the kind of a column from its present cells, trying boolean, numeric
// and temporal before falling back to text.
func buildColumn(name string, cells []string) *Column {
	col := &Column{name: name, cells: cells, missing: roaring.New()}
	for i, cell := range cells {
		if isMissing(cell) {
			col.missing.Add(uint32(i))
		}
	}

	present := func(fn func(string) bool) bool {
		for i, cell := range cells {
			if col.missing.Contains(uint32(i)) {
				continue
			}
			if !fn(cell) {
				return false
			}
		}
		return true
	}

	allPresentMissing := col.missing.GetCardinality() == uint64(len(cells))

	switch {
	case !allPresentMissing && present(func(s string) bool {
		s = strings.TrimSpace(s)
		return trueSpellings[s] || falseSpellings[s]
	}):
		col.kind = KindBoolean
		col.bools = make([]bool, len(cells))
		for i, cell := range cells {
			col.bools[i] = trueSpellings[strings.TrimSpace(cell)]
		}
	case present(func(s string) bool { _, ok := parseNumber(s); return ok }):
		// A column with no present values is numeric, like an all-NaN column.
		col.kind = KindNumeric
		col.nums = make([]float64, len(cells))
		col.integer = !allPresentMissing && present(isInteger)
		for i, cell := range cells {
			if v, ok := parseNumber(cell); ok && !col.missing.Contains(uint32(i)) {
				col.nums[i] = v
			} else {
				col.nums[i] = math.NaN()
			}
		}
	case present(func(s string) bool { _, ok := parseTime(s); return ok }):
		col.kind = KindTemporal
		col.times = make([]time.Time, len(cells))
		for i, cell := range cells {
			if t, ok := parseTime(cell); ok {
				col.times[i] = t
			}
		}
	default:
		col.kind = KindText
	}
	return col
}
