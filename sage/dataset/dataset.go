// Package dataset loads delimited text into an immutable in-memory table.
package dataset

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/armon/go-radix"
)

// Kind is the inferred scalar type of a column.
type Kind int

const (
	KindText Kind = iota
	KindNumeric
	KindBoolean
	KindTemporal
)

func (k Kind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindBoolean:
		return "boolean"
	case KindTemporal:
		return "temporal"
	default:
		return "text"
	}
}

// Column is a single named, typed column. It is never mutated after load.
type Column struct {
	name    string
	kind    Kind
	integer bool
	cells   []string
	nums    []float64
	bools   []bool
	times   []time.Time
	missing *roaring.Bitmap
}

func (c *Column) Name() string { return c.name }
func (c *Column) Kind() Kind   { return c.kind }
func (c *Column) Len() int     { return len(c.cells) }

// IsInteger reports whether every present value of a numeric column is integral.
func (c *Column) IsInteger() bool { return c.kind == KindNumeric && c.integer }

// TypeName is the human-readable type shown by the inspection tools.
func (c *Column) TypeName() string {
	if c.kind != KindNumeric {
		return c.kind.String()
	}
	if c.integer {
		return "numeric (integer)"
	}
	return "numeric (float)"
}

func (c *Column) IsMissing(row int) bool { return c.missing.Contains(uint32(row)) }

func (c *Column) MissingCount() int { return int(c.missing.GetCardinality()) }

// Present is the number of non-missing cells.
func (c *Column) Present() int { return c.Len() - c.MissingCount() }

// Cell returns the raw text of a cell as it appeared in the input.
func (c *Column) Cell(row int) string { return c.cells[row] }

// Number returns the numeric value of a cell; ok is false for missing cells or non-numeric columns.
func (c *Column) Number(row int) (float64, bool) {
	if c.kind != KindNumeric || c.IsMissing(row) {
		return 0, false
	}
	return c.nums[row], true
}

// Time returns the parsed value of a temporal cell.
func (c *Column) Time(row int) (time.Time, bool) {
	if c.kind != KindTemporal || c.IsMissing(row) {
		return time.Time{}, false
	}
	return c.times[row], true
}

// Numbers returns a fresh slice of the present values of a numeric column, in row order.
func (c *Column) Numbers() []float64 {
	if c.kind != KindNumeric {
		return nil
	}
	out := make([]float64, 0, c.Present())
	for i, v := range c.nums {
		if !c.IsMissing(i) {
			out = append(out, v)
		}
	}
	return out
}

// Times returns a fresh slice of the present values of a temporal column, in row order.
func (c *Column) Times() []time.Time {
	if c.kind != KindTemporal {
		return nil
	}
	out := make([]time.Time, 0, c.Present())
	for i, v := range c.times {
		if !c.IsMissing(i) {
			out = append(out, v)
		}
	}
	return out
}

// Key returns the canonical value of a present cell, used for distinct and frequency counts.
// Cells that differ only in spelling ("1" and "1.0") share a key.
func (c *Column) Key(row int) (string, bool) {
	if c.IsMissing(row) {
		return "", false
	}
	switch c.kind {
	case KindNumeric:
		return strconv.FormatFloat(c.nums[row], 'g', -1, 64), true
	case KindBoolean:
		if c.bools[row] {
			return "True", true
		}
		return "False", true
	case KindTemporal:
		return c.times[row].Format(time.RFC3339), true
	default:
		return c.cells[row], true
	}
}

// Dataset is an immutable table: ordered named columns sharing one row count.
type Dataset struct {
	name        string
	rows        int
	columns     []*Column
	index       *radix.Tree // exact name -> position
	folded      *radix.Tree // lower-cased name -> []string of names
	fingerprint string
}

func newDataset(name string, rows int, columns []*Column, fingerprint string) *Dataset {
	d := &Dataset{
		name:        name,
		rows:        rows,
		columns:     columns,
		index:       radix.New(),
		folded:      radix.New(),
		fingerprint: fingerprint,
	}
	for i, c := range columns {
		d.index.Insert(c.name, i)
		key := strings.ToLower(c.name)
		var names []string
		if v, ok := d.folded.Get(key); ok {
			names = v.([]string)
		}
		d.folded.Insert(key, append(names, c.name))
	}
	return d
}

// Name is the source name the dataset was loaded from.
func (d *Dataset) Name() string { return d.name }

func (d *Dataset) Rows() int       { return d.rows }
func (d *Dataset) NumColumns() int { return len(d.columns) }

// Fingerprint identifies the loaded content; equal content yields equal fingerprints.
func (d *Dataset) Fingerprint() string { return d.fingerprint }

// Columns returns the column names in order.
func (d *Dataset) Columns() []string {
	names := make([]string, len(d.columns))
	for i, c := range d.columns {
		names[i] = c.name
	}
	return names
}

// Column looks a column up by its exact, case-sensitive name.
func (d *Dataset) Column(name string) (*Column, bool) {
	v, ok := d.index.Get(name)
	if !ok {
		return nil, false
	}
	return d.columns[v.(int)], true
}

// ColumnAt returns the column at position i.
func (d *Dataset) ColumnAt(i int) *Column { return d.columns[i] }

// Suggest returns up to three column names close to name: case-insensitive matches,
// names extending it, and the longest name it extends.
func (d *Dataset) Suggest(name string) []string {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	add := func(v interface{}) {
		for _, n := range v.([]string) {
			if n != name && !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	d.folded.WalkPrefix(key, func(_ string, v interface{}) bool {
		add(v)
		return false
	})
	if _, v, ok := d.folded.LongestPrefix(key); ok {
		add(v)
	}
	sort.Strings(out)
	if len(out) > 3 {
		out = out[:3]
	}
	return out
}

// Info summarizes the dataset for display at the upload and chat boundaries.
type Info struct {
	Name        string            `json:"name"`
	Rows        int               `json:"rows"`
	Columns     int               `json:"columns"`
	ColumnNames []string          `json:"column_names"`
	Kinds       map[string]string `json:"kinds"`
	Preview     [][]string        `json:"preview"`
}

// Info reports shape, column types and the first previewRows rows.
func (d *Dataset) Info(previewRows int) Info {
	info := Info{
		Name:        d.name,
		Rows:        d.rows,
		Columns:     len(d.columns),
		ColumnNames: d.Columns(),
		Kinds:       make(map[string]string, len(d.columns)),
	}
	for _, c := range d.columns {
		info.Kinds[c.name] = c.TypeName()
	}
	if previewRows > d.rows {
		previewRows = d.rows
	}
	for r := 0; r < previewRows; r++ {
		row := make([]string, len(d.columns))
		for i, c := range d.columns {
			row[i] = c.cells[r]
		}
		info.Preview = append(info.Preview, row)
	}
	return info
}
