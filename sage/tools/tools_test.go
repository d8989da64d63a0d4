package tools

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/csvsage/sage/dataset"
)

const fixtureCSV = `a,b,c,d,flag
1,2,x,5,true
2,4,y,3,false
3,6,,4,true
4,8,NA,1,true
5,10,z,2,false
`

func fixture(t *testing.T) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.Load(context.Background(), dataset.FromBytes("fixture.csv", []byte(fixtureCSV)))
	require.NoError(t, err)
	return ds
}

func builtinRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r, err := NewBuiltinRegistry(opts...)
	require.NoError(t, err)
	return r
}

func TestGetMissingValues_KeySetMatchesColumns(t *testing.T) {
	ds := fixture(t)
	missing := GetMissingValues(ds)

	keys := make([]string, 0, len(missing))
	for k := range missing {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, ds.Columns(), keys)
}

func TestGetMissingValues_CountsPerColumn(t *testing.T) {
	ds, err := dataset.Load(context.Background(), dataset.FromBytes("m.csv", []byte("x,y,z\n1,a,\n2,b,3\n3,c,\n4,d,5\n5,e,6\n")))
	require.NoError(t, err)
	require.Equal(t, 5, ds.Rows())

	assert.Equal(t, map[string]int{"x": 0, "y": 0, "z": 2}, GetMissingValues(ds))
}

func TestColumnNotFound_NeverFails(t *testing.T) {
	ds := fixture(t)

	info := GetColumnInfo(ds, "missing_col")
	assert.Contains(t, info, "missing_col")
	assert.Contains(t, info, "not found")

	stats, ok := GenerateSummaryStats(ds, "missing_col").(string)
	require.True(t, ok)
	assert.Contains(t, stats, "missing_col")
	assert.Contains(t, stats, "not found")
}

func TestColumnNotFound_SuggestsCloseNames(t *testing.T) {
	ds := fixture(t)
	assert.Equal(t, "Column 'FLAG' not found in the dataframe. Did you mean: 'flag'?", GetColumnInfo(ds, "FLAG"))
}

func TestGetColumnInfo(t *testing.T) {
	ds := fixture(t)

	assert.Equal(t,
		"Column 'a':\nType: numeric (integer)\nUnique values: 5\nTop 5 values: {1: 1, 2: 1, 3: 1, 4: 1, 5: 1}",
		GetColumnInfo(ds, "a"))
	assert.Equal(t,
		"Column 'c':\nType: text\nUnique values: 3\nTop 5 values: {'x': 1, 'y': 1, 'z': 1}",
		GetColumnInfo(ds, "c"))
	assert.Equal(t,
		"Column 'flag':\nType: boolean\nUnique values: 2\nTop 5 values: {True: 3, False: 2}",
		GetColumnInfo(ds, "flag"))
}

func TestCalculateCorrelation(t *testing.T) {
	ds := fixture(t)

	r, ok := CalculateCorrelation(ds, "a", "b").(float64)
	require.True(t, ok)
	assert.InDelta(t, 1.0, r, 1e-12)

	r, ok = CalculateCorrelation(ds, "a", "d").(float64)
	require.True(t, ok)
	assert.InDelta(t, -0.8, r, 1e-12)
}

func TestCalculateCorrelation_Symmetric(t *testing.T) {
	ds := fixture(t)
	pairs := [][2]string{{"a", "b"}, {"a", "d"}, {"b", "d"}}
	for _, p := range pairs {
		assert.Equal(t, CalculateCorrelation(ds, p[0], p[1]), CalculateCorrelation(ds, p[1], p[0]), p)
	}
}

func TestCalculateCorrelation_Sentinels(t *testing.T) {
	ds := fixture(t)

	msg, ok := CalculateCorrelation(ds, "a", "nope").(string)
	require.True(t, ok)
	assert.Equal(t, "One or both columns not found in the dataframe. Missing: 'nope'.", msg)

	msg, ok = CalculateCorrelation(ds, "a", "c").(string)
	require.True(t, ok)
	assert.Contains(t, msg, "'c' is text, not numeric")

	constant, err := dataset.Load(context.Background(), dataset.FromBytes("k.csv", []byte("x,y\n1,7\n2,7\n3,7\n")))
	require.NoError(t, err)
	msg, ok = CalculateCorrelation(constant, "x", "y").(string)
	require.True(t, ok)
	assert.Contains(t, msg, "zero variance")

	sparse, err := dataset.Load(context.Background(), dataset.FromBytes("s.csv", []byte("x,y\n1,\n,2\n3,4\n")))
	require.NoError(t, err)
	msg, ok = CalculateCorrelation(sparse, "x", "y").(string)
	require.True(t, ok)
	assert.Contains(t, msg, "fewer than two rows")
}

func TestGenerateSummaryStats_Numeric(t *testing.T) {
	ds := fixture(t)
	stats, ok := GenerateSummaryStats(ds, "a").(map[string]any)
	require.True(t, ok)

	assert.Equal(t, 5.0, stats["count"])
	assert.Equal(t, 3.0, stats["mean"])
	assert.InDelta(t, math.Sqrt(2.5), stats["std"], 1e-12)
	assert.Equal(t, 1.0, stats["min"])
	assert.Equal(t, 2.0, stats["25%"])
	assert.Equal(t, 3.0, stats["50%"])
	assert.Equal(t, 4.0, stats["75%"])
	assert.Equal(t, 5.0, stats["max"])
}

func TestGenerateSummaryStats_Categorical(t *testing.T) {
	ds := fixture(t)
	stats, ok := GenerateSummaryStats(ds, "flag").(map[string]any)
	require.True(t, ok)

	assert.Equal(t, 5, stats["count"])
	assert.Equal(t, 2, stats["unique"])
	assert.Equal(t, "True", stats["top"])
	assert.Equal(t, 3, stats["freq"])
}

func TestGenerateSummaryStats_SingleValueHasNoStd(t *testing.T) {
	ds, err := dataset.Load(context.Background(), dataset.FromBytes("one.csv", []byte("v\n4\n")))
	require.NoError(t, err)
	stats := GenerateSummaryStats(ds, "v").(map[string]any)

	assert.Nil(t, stats["std"])
	_, err = json.Marshal(stats)
	assert.NoError(t, err)
}

func TestQuantile_LinearInterpolation(t *testing.T) {
	sorted := []float64{1, 2, 4, 8}
	assert.Equal(t, 1.0, quantile(sorted, 0))
	assert.Equal(t, 1.75, quantile(sorted, 0.25))
	assert.Equal(t, 3.0, quantile(sorted, 0.5))
	assert.Equal(t, 5.0, quantile(sorted, 0.75))
	assert.Equal(t, 8.0, quantile(sorted, 1))
	assert.True(t, math.IsNaN(quantile(nil, 0.5)))
}

func TestDescribeData(t *testing.T) {
	ds := fixture(t)
	out := DescribeData(ds)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 9)

	header := strings.Fields(lines[0])
	assert.Equal(t, []string{"a", "b", "d"}, header)
	assert.Equal(t, []string{"count", "5.000000", "5.000000", "5.000000"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"mean", "3.000000", "6.000000", "3.000000"}, strings.Fields(lines[2]))
	assert.Equal(t, "max", strings.Fields(lines[8])[0])
}

func TestDescribeData_NoNumericColumns(t *testing.T) {
	ds, err := dataset.Load(context.Background(), dataset.FromBytes("t.csv", []byte("name\nann\nbob\nann\n")))
	require.NoError(t, err)
	out := DescribeData(ds)

	assert.Contains(t, out, "unique")
	assert.Equal(t, []string{"top", "ann"}, strings.Fields(strings.Split(out, "\n")[3]))
}

func TestRegistry_RegisterValidatesSpecs(t *testing.T) {
	r := NewRegistry()
	noop := func(*dataset.Dataset, map[string]any) any { return "" }

	require.NoError(t, r.Register(Spec{ID: "count_rows", Func: noop}))
	assert.ErrorIs(t, r.Register(Spec{ID: "count_rows", Func: noop}), ErrDuplicateTool)
	assert.ErrorIs(t, r.Register(Spec{ID: "bad name", Func: noop}), ErrInvalidSpec)
	assert.ErrorIs(t, r.Register(Spec{ID: "no_func"}), ErrInvalidSpec)
	assert.ErrorIs(t, r.Register(Spec{ID: "bad_schema", Schema: []byte(`{"type":`), Func: noop}), ErrInvalidSpec)

	assert.Equal(t, []string{"count_rows"}, r.Names())
}

func TestRegistry_SpecsInRegistrationOrder(t *testing.T) {
	r := builtinRegistry(t)
	specs := r.Specs()
	require.Len(t, specs, 5)

	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
		assert.NotEmpty(t, s.Description)
		assert.True(t, json.Valid(s.JSONSchema), s.Name)
	}
	assert.Equal(t, []string{
		"describe_data", "get_column_info", "calculate_correlation", "get_missing_values", "generate_summary_stats",
	}, names)
}

func TestRegistry_DispatchNeverFails(t *testing.T) {
	r := builtinRegistry(t)
	ds := fixture(t)
	ctx := context.Background()

	unknown, ok := r.Dispatch(ctx, ds, "drop_table", nil).(string)
	require.True(t, ok)
	assert.Contains(t, unknown, "'drop_table' is not available")
	assert.Contains(t, unknown, "describe_data")

	cases := map[string]json.RawMessage{
		"missing required": json.RawMessage(`{}`),
		"wrong type":       json.RawMessage(`{"column_name": 3}`),
		"not an object":    json.RawMessage(`[1, 2]`),
		"null":             json.RawMessage(`null`),
		"malformed":        json.RawMessage(`{"column_name":`),
	}
	for name, args := range cases {
		msg, ok := r.Dispatch(ctx, ds, "get_column_info", args).(string)
		require.True(t, ok, name)
		assert.True(t, strings.HasPrefix(msg, "Invalid arguments for get_column_info:"), "%s: %s", name, msg)
	}
}

func TestRegistry_DispatchRunsTool(t *testing.T) {
	r := builtinRegistry(t)
	ds := fixture(t)

	got := r.Dispatch(context.Background(), ds, "get_column_info", json.RawMessage(`{"column_name":"c"}`))
	assert.Equal(t, GetColumnInfo(ds, "c"), got)

	got = r.Dispatch(context.Background(), ds, "describe_data", nil)
	assert.Equal(t, DescribeData(ds), got)
}

type countingCache struct {
	mu    sync.Mutex
	items map[string][]byte
	hits  int
}

func (c *countingCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	if ok {
		c.hits++
	}
	return v, ok
}

func (c *countingCache) Set(_ context.Context, key string, value []byte, _ int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = value
	return nil
}

func (c *countingCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

func TestRegistry_MemoizesResults(t *testing.T) {
	cache := &countingCache{items: make(map[string][]byte)}
	r := builtinRegistry(t, WithCache(cache, 60))
	ds := fixture(t)
	ctx := context.Background()

	first := r.Dispatch(ctx, ds, "get_column_info", json.RawMessage(`{"column_name":"a"}`))
	second := r.Dispatch(ctx, ds, "get_column_info", json.RawMessage(`{ "column_name" : "a" }`))
	assert.Equal(t, first, second)
	assert.Equal(t, 1, cache.hits)

	fresh := r.Dispatch(ctx, ds, "get_missing_values", nil)
	cached := r.Dispatch(ctx, ds, "get_missing_values", json.RawMessage(`{}`))
	assert.Equal(t, 2, cache.hits)

	want, err := json.Marshal(fresh)
	require.NoError(t, err)
	got, err := json.Marshal(cached)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
}

func TestRegistry_CacheIsScopedToDataset(t *testing.T) {
	cache := &countingCache{items: make(map[string][]byte)}
	r := builtinRegistry(t, WithCache(cache, 60))
	other, err := dataset.Load(context.Background(), dataset.FromBytes("o.csv", []byte("a\n9\n")))
	require.NoError(t, err)

	r.Dispatch(context.Background(), fixture(t), "describe_data", nil)
	got := r.Dispatch(context.Background(), other, "describe_data", nil)

	assert.Equal(t, 0, cache.hits)
	assert.Equal(t, DescribeData(other), got)
}

func TestRegistry_Bind(t *testing.T) {
	r := builtinRegistry(t)
	ds := fixture(t)
	bound := r.Bind(ds)
	require.Len(t, bound, 5)

	var missing any
	for _, tool := range bound {
		assert.NotEmpty(t, tool.Description())
		if tool.Name() == "get_missing_values" {
			out, err := tool.Invoke(context.Background(), nil)
			require.NoError(t, err)
			missing = out
		}
	}
	assert.Equal(t, GetMissingValues(ds), missing)
}
