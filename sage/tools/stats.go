package tools

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/ZanzyTHEbar/csvsage/sage/dataset"
)

// numericSummary holds the describe statistics of a numeric column. Undefined statistics are NaN.
type numericSummary struct {
	Count, Mean, Std, Min, Q25, Q50, Q75, Max float64
}

var numericLabels = []string{"count", "mean", "std", "min", "25%", "50%", "75%", "max"}

func (s numericSummary) values() []float64 {
	return []float64{s.Count, s.Mean, s.Std, s.Min, s.Q25, s.Q50, s.Q75, s.Max}
}

func summarizeNumeric(values []float64) numericSummary {
	nan := math.NaN()
	s := numericSummary{Count: float64(len(values)), Mean: nan, Std: nan, Min: nan, Q25: nan, Q50: nan, Q75: nan, Max: nan}
	if len(values) == 0 {
		return s
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	s.Mean = stat.Mean(values, nil)
	if len(values) > 1 {
		s.Std = stat.StdDev(values, nil)
	}
	s.Min = floats.Min(values)
	s.Max = floats.Max(values)
	s.Q25 = quantile(sorted, 0.25)
	s.Q50 = quantile(sorted, 0.50)
	s.Q75 = quantile(sorted, 0.75)
	return s
}

// quantile interpolates linearly between the closest ranks of sorted at h = (n-1)p.
// gonum's stat.Quantile offers Empirical and LinInterp, and LinInterp interpolates the
// empirical CDF at p = i/n, which gives different quartiles on small samples.
func quantile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	h := float64(n-1) * p
	lo := int(math.Floor(h))
	if lo >= n-1 {
		return sorted[n-1]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}

// valueCount is one distinct value of a column with its frequency.
type valueCount struct {
	key     string
	display string
	count   int
}

// valueCounts counts distinct present values, most frequent first; ties keep first appearance.
func valueCounts(col *dataset.Column) []valueCount {
	index := make(map[string]int)
	var counts []valueCount
	for row := 0; row < col.Len(); row++ {
		key, ok := col.Key(row)
		if !ok {
			continue
		}
		if i, seen := index[key]; seen {
			counts[i].count++
			continue
		}
		index[key] = len(counts)
		counts = append(counts, valueCount{key: key, display: displayValue(col, key), count: 1})
	}
	sort.SliceStable(counts, func(i, j int) bool { return counts[i].count > counts[j].count })
	return counts
}

// displayValue renders a distinct value the way the frequency listings print it:
// text and timestamps quoted, numbers and booleans bare.
func displayValue(col *dataset.Column, key string) string {
	switch col.Kind() {
	case dataset.KindNumeric:
		if !col.IsInteger() && !strings.ContainsAny(key, ".eEn") {
			return key + ".0"
		}
		return key
	case dataset.KindBoolean:
		return key
	default:
		return "'" + strings.ReplaceAll(key, "'", `\'`) + "'"
	}
}

// categoricalSummary is the describe output for columns without numeric statistics.
func categoricalSummary(col *dataset.Column) map[string]any {
	counts := valueCounts(col)
	out := map[string]any{
		"count":  col.Present(),
		"unique": len(counts),
		"top":    nil,
		"freq":   nil,
	}
	if len(counts) > 0 {
		out["top"] = counts[0].key
		out["freq"] = counts[0].count
	}
	if col.Kind() == dataset.KindTemporal {
		if times := col.Times(); len(times) > 0 {
			first, last := times[0], times[0]
			for _, t := range times[1:] {
				if t.Before(first) {
					first = t
				}
				if t.After(last) {
					last = t
				}
			}
			out["first"] = first.Format(time.RFC3339)
			out["last"] = last.Format(time.RFC3339)
		}
	}
	return out
}

var categoricalLabels = []string{"count", "unique", "top", "freq"}

// formatStat prints a describe statistic with six decimals.
func formatStat(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// jsonStat maps undefined statistics to null.
func jsonStat(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

// pairedValues returns the rows where both numeric columns are present.
func pairedValues(a, b *dataset.Column) (xs, ys []float64) {
	for row := 0; row < a.Len(); row++ {
		x, okx := a.Number(row)
		y, oky := b.Number(row)
		if okx && oky {
			xs = append(xs, x)
			ys = append(ys, y)
		}
	}
	return xs, ys
}
