package tools

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"text/tabwriter"

	"gonum.org/v1/gonum/stat"

	"github.com/ZanzyTHEbar/csvsage/sage/dataset"
)

const columnSchema = `{
	"type": "object",
	"properties": {
		"column_name": {"type": "string", "description": "Exact name of the column"}
	},
	"required": ["column_name"]
}`

const correlationSchema = `{
	"type": "object",
	"properties": {
		"column1": {"type": "string", "description": "Name of the first numeric column"},
		"column2": {"type": "string", "description": "Name of the second numeric column"}
	},
	"required": ["column1", "column2"]
}`

const noArgsSchema = `{"type": "object", "properties": {}}`

// Builtins returns the specs of the data-inspection tools.
func Builtins() []Spec {
	return []Spec{
		{
			ID:          DescribeDataID,
			Description: "Describe the dataset: count, mean, std, min, quartiles and max of every numeric column.",
			Schema:      []byte(noArgsSchema),
			Func:        func(ds *dataset.Dataset, _ map[string]any) any { return DescribeData(ds) },
		},
		{
			ID:          GetColumnInfoID,
			Description: "Get the type, number of unique values and the five most frequent values of a column.",
			Schema:      []byte(columnSchema),
			Func: func(ds *dataset.Dataset, args map[string]any) any {
				return GetColumnInfo(ds, stringArg(args, "column_name"))
			},
		},
		{
			ID:          CalculateCorrelationID,
			Description: "Calculate the Pearson correlation coefficient between two numeric columns.",
			Schema:      []byte(correlationSchema),
			Func: func(ds *dataset.Dataset, args map[string]any) any {
				return CalculateCorrelation(ds, stringArg(args, "column1"), stringArg(args, "column2"))
			},
		},
		{
			ID:          GetMissingValuesID,
			Description: "Count the missing values in every column.",
			Schema:      []byte(noArgsSchema),
			Func:        func(ds *dataset.Dataset, _ map[string]any) any { return GetMissingValues(ds) },
		},
		{
			ID:          GenerateSummaryStatsID,
			Description: "Generate summary statistics (count, mean, std, min, 25%, 50%, 75%, max) for a column.",
			Schema:      []byte(columnSchema),
			Func: func(ds *dataset.Dataset, args map[string]any) any {
				return GenerateSummaryStats(ds, stringArg(args, "column_name"))
			},
		},
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// ColumnNotFound is the result for a column that does not exist.
func ColumnNotFound(ds *dataset.Dataset, name string) string {
	msg := fmt.Sprintf("Column '%s' not found in the dataframe.", name)
	if s := ds.Suggest(name); len(s) > 0 {
		msg += " Did you mean: " + quoteAll(s) + "?"
	}
	return msg
}

func quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = "'" + n + "'"
	}
	return strings.Join(quoted, ", ")
}

// DescribeData renders describe statistics for every numeric column as a text table. A
// dataset without numeric columns is described by count, unique, top and freq instead.
func DescribeData(ds *dataset.Dataset) string {
	var numeric []*dataset.Column
	for i := 0; i < ds.NumColumns(); i++ {
		if c := ds.ColumnAt(i); c.Kind() == dataset.KindNumeric {
			numeric = append(numeric, c)
		}
	}
	if ds.NumColumns() == 0 {
		return "Empty DataFrame\nColumns: []"
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', tabwriter.AlignRight)
	writeRow := func(label string, cells []string) {
		fmt.Fprintf(w, "%-6s\t%s\t\n", label, strings.Join(cells, "\t"))
	}

	if len(numeric) > 0 {
		names := make([]string, len(numeric))
		stats := make([][]float64, len(numeric))
		for i, c := range numeric {
			names[i] = c.Name()
			stats[i] = summarizeNumeric(c.Numbers()).values()
		}
		writeRow("", names)
		for r, label := range numericLabels {
			cells := make([]string, len(numeric))
			for i := range numeric {
				cells[i] = formatStat(stats[i][r])
			}
			writeRow(label, cells)
		}
	} else {
		names := ds.Columns()
		summaries := make([]map[string]any, ds.NumColumns())
		for i := range summaries {
			summaries[i] = categoricalSummary(ds.ColumnAt(i))
		}
		writeRow("", names)
		for _, label := range categoricalLabels {
			cells := make([]string, len(summaries))
			for i, s := range summaries {
				if v := s[label]; v != nil {
					cells[i] = fmt.Sprint(v)
				} else {
					cells[i] = "NaN"
				}
			}
			writeRow(label, cells)
		}
	}
	w.Flush()
	return strings.TrimRight(buf.String(), "\n")
}

// GetColumnInfo reports the type, distinct count and five most frequent values of a column.
func GetColumnInfo(ds *dataset.Dataset, name string) string {
	col, ok := ds.Column(name)
	if !ok {
		return ColumnNotFound(ds, name)
	}
	counts := valueCounts(col)
	top := counts
	if len(top) > 5 {
		top = top[:5]
	}
	pairs := make([]string, len(top))
	for i, vc := range top {
		pairs[i] = fmt.Sprintf("%s: %d", vc.display, vc.count)
	}
	return fmt.Sprintf("Column '%s':\nType: %s\nUnique values: %d\nTop 5 values: {%s}",
		name, col.TypeName(), len(counts), strings.Join(pairs, ", "))
}

// CalculateCorrelation returns the Pearson coefficient of two numeric columns over the rows
// where both are present, as a float64. Any other outcome is described by a string.
func CalculateCorrelation(ds *dataset.Dataset, column1, column2 string) any {
	a, okA := ds.Column(column1)
	b, okB := ds.Column(column2)
	if !okA || !okB {
		var missing []string
		if !okA {
			missing = append(missing, column1)
		}
		if !okB && column2 != column1 {
			missing = append(missing, column2)
		}
		return "One or both columns not found in the dataframe. Missing: " + quoteAll(missing) + "."
	}
	for _, c := range []*dataset.Column{a, b} {
		if c.Kind() != dataset.KindNumeric {
			return fmt.Sprintf("Cannot calculate correlation: column '%s' is %s, not numeric.", c.Name(), c.TypeName())
		}
	}

	xs, ys := pairedValues(a, b)
	if len(xs) < 2 {
		return fmt.Sprintf("Cannot calculate correlation between '%s' and '%s': fewer than two rows have both values.", column1, column2)
	}
	r := stat.Correlation(xs, ys, nil)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return fmt.Sprintf("Correlation between '%s' and '%s' is undefined: a column has zero variance.", column1, column2)
	}
	// Rounding can push a perfect correlation just past the unit interval.
	return math.Max(-1, math.Min(1, r))
}

// GetMissingValues maps every column to its number of missing cells.
func GetMissingValues(ds *dataset.Dataset) map[string]int {
	out := make(map[string]int, ds.NumColumns())
	for i := 0; i < ds.NumColumns(); i++ {
		c := ds.ColumnAt(i)
		out[c.Name()] = c.MissingCount()
	}
	return out
}

// GenerateSummaryStats returns the describe statistics of one column as a mapping. Numeric
// columns get count, mean, std, min, 25%, 50%, 75% and max; other columns get count,
// unique, top and freq. Undefined statistics are nil.
func GenerateSummaryStats(ds *dataset.Dataset, name string) any {
	col, ok := ds.Column(name)
	if !ok {
		return ColumnNotFound(ds, name)
	}
	if col.Kind() != dataset.KindNumeric {
		return categoricalSummary(col)
	}
	values := summarizeNumeric(col.Numbers()).values()
	out := make(map[string]any, len(values))
	for i, label := range numericLabels {
		out[label] = jsonStat(values[i])
	}
	return out
}
