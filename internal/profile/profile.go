// Package profile computes descriptive statistics for tabular result sets.
//
// Profiles are derived, ephemeral values: the engine computes them per
// check invocation, feeds them to the anomaly detector or surfaces them in
// a CheckResult's details, and never persists them.
package profile

import (
	"sort"
	"time"
)

// Thresholds for table-level column flags.
const (
	highCardinalityPct = 80.0
	highNullPct        = 20.0
	topValuesLimit     = 10
)

// DataType classifies a profiled column.
type DataType string

// Column classifications.
const (
	TypeNumeric     DataType = "numeric"
	TypeCategorical DataType = "categorical"
	TypeDatetime    DataType = "datetime"
	TypeEmpty       DataType = "empty"
)

type (
	// ColumnProfile holds descriptive statistics for one column. Count
	// fields are always populated; the type-specific blocks are nil for
	// columns of other types and for columns with zero non-null values.
	ColumnProfile struct {
		ColumnName       string   `json:"column_name"`
		DataType         DataType `json:"data_type"`
		TotalCount       int      `json:"total_count"`
		NullCount        int      `json:"null_count"`
		NullPercentage   float64  `json:"null_percentage"`
		UniqueCount      int      `json:"unique_count"`
		UniquePercentage float64  `json:"unique_percentage"`

		// Numeric statistics.
		MinValue    *float64 `json:"min_value,omitempty"`
		MaxValue    *float64 `json:"max_value,omitempty"`
		MeanValue   *float64 `json:"mean_value,omitempty"`
		MedianValue *float64 `json:"median_value,omitempty"`
		StdValue    *float64 `json:"std_value,omitempty"`
		Q1Value     *float64 `json:"q1_value,omitempty"`
		Q3Value     *float64 `json:"q3_value,omitempty"`
		IQRValue    *float64 `json:"iqr_value,omitempty"`
		Skewness    *float64 `json:"skewness,omitempty"`
		Kurtosis    *float64 `json:"kurtosis,omitempty"`

		// Categorical statistics.
		TopValues          []ValueCount `json:"top_values,omitempty"`
		TopValue           string       `json:"top_value,omitempty"`
		TopValueCount      int          `json:"top_value_count,omitempty"`
		TopValuePercentage *float64     `json:"top_value_percentage,omitempty"`

		// Datetime statistics.
		MinDate             *time.Time `json:"min_date,omitempty"`
		MaxDate             *time.Time `json:"max_date,omitempty"`
		DateRangeDays       *int       `json:"date_range_days,omitempty"`
		MostCommonYear      *int       `json:"most_common_year,omitempty"`
		MostCommonMonth     *int       `json:"most_common_month,omitempty"`
		MostCommonDayOfWeek *int       `json:"most_common_day_of_week,omitempty"`
	}

	// ValueCount is one entry of a categorical frequency table.
	ValueCount struct {
		Value string `json:"value"`
		Count int    `json:"count"`
	}

	// TableProfile aggregates per-column profiles with a classification
	// summary.
	TableProfile struct {
		TableName    string                   `json:"table_name"`
		TotalRows    int                      `json:"total_rows"`
		TotalColumns int                      `json:"total_columns"`
		Columns      map[string]ColumnProfile `json:"columns"`
		Summary      TableSummary             `json:"summary"`
	}

	// TableSummary classifies columns and flags the suspicious ones.
	TableSummary struct {
		NumericColumns         []string `json:"numeric_columns"`
		CategoricalColumns     []string `json:"categorical_columns"`
		DatetimeColumns        []string `json:"datetime_columns"`
		HighCardinalityColumns []string `json:"high_cardinality_columns"`
		HighNullColumns        []string `json:"high_null_columns"`
	}
)

// Column binds a name to its raw values for profiling. Nil entries count
// as nulls.
type Column struct {
	Name   string
	Values []any
}

// ProfileColumn computes the full profile for a single column.
func ProfileColumn(col Column) ColumnProfile {
	p := ColumnProfile{
		ColumnName: col.Name,
		TotalCount: len(col.Values),
		DataType:   TypeEmpty,
	}

	nonNull := make([]any, 0, len(col.Values))

	for _, v := range col.Values {
		if v == nil {
			p.NullCount++
		} else {
			nonNull = append(nonNull, v)
		}
	}

	if p.TotalCount > 0 {
		p.NullPercentage = float64(p.NullCount) / float64(p.TotalCount) * 100
	}

	p.UniqueCount = countUnique(nonNull)

	if p.TotalCount > 0 {
		p.UniquePercentage = float64(p.UniqueCount) / float64(p.TotalCount) * 100
	}

	if len(nonNull) == 0 {
		return p
	}

	if numbers, ok := asNumbers(nonNull); ok {
		p.DataType = TypeNumeric
		addNumericStats(&p, numbers)

		return p
	}

	if times, ok := asTimes(nonNull); ok {
		p.DataType = TypeDatetime
		addDatetimeStats(&p, times)

		return p
	}

	p.DataType = TypeCategorical
	addCategoricalStats(&p, nonNull)

	return p
}

// ProfileTable profiles every column and produces the classification
// summary. Columns are taken in the order given.
func ProfileTable(tableName string, totalRows int, columns []Column) TableProfile {
	profiles := make(map[string]ColumnProfile, len(columns))
	for _, col := range columns {
		profiles[col.Name] = ProfileColumn(col)
	}

	return TableProfile{
		TableName:    tableName,
		TotalRows:    totalRows,
		TotalColumns: len(columns),
		Columns:      profiles,
		Summary:      summarize(profiles),
	}
}

func summarize(profiles map[string]ColumnProfile) TableSummary {
	var s TableSummary

	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		p := profiles[name]

		switch p.DataType {
		case TypeNumeric:
			s.NumericColumns = append(s.NumericColumns, name)
		case TypeCategorical:
			s.CategoricalColumns = append(s.CategoricalColumns, name)
		case TypeDatetime:
			s.DatetimeColumns = append(s.DatetimeColumns, name)
		}

		if p.UniquePercentage > highCardinalityPct {
			s.HighCardinalityColumns = append(s.HighCardinalityColumns, name)
		}

		if p.NullPercentage > highNullPct {
			s.HighNullColumns = append(s.HighNullColumns, name)
		}
	}

	return s
}

func addNumericStats(p *ColumnProfile, values []float64) {
	sorted := sortedCopy(values)

	minV := sorted[0]
	maxV := sorted[len(sorted)-1]
	mean := Mean(values)
	median := Median(sorted)
	q1 := Quantile(sorted, 0.25)
	q3 := Quantile(sorted, 0.75)
	iqr := q3 - q1

	p.MinValue = &minV
	p.MaxValue = &maxV
	p.MeanValue = &mean
	p.MedianValue = &median
	p.Q1Value = &q1
	p.Q3Value = &q3
	p.IQRValue = &iqr

	if len(values) >= 2 {
		std := SampleStdDev(values)
		p.StdValue = &std
	}

	if skew, ok := Skewness(values); ok {
		p.Skewness = &skew
	}

	if kurt, ok := Kurtosis(values); ok {
		p.Kurtosis = &kurt
	}
}

func addCategoricalStats(p *ColumnProfile, values []any) {
	counts := make(map[string]int, len(values))
	for _, v := range values {
		counts[stringify(v)] += 1
	}

	table := make([]ValueCount, 0, len(counts))
	for value, count := range counts {
		table = append(table, ValueCount{Value: value, Count: count})
	}

	// Ties break lexicographically so re-profiling identical data yields
	// identical profiles.
	sort.Slice(table, func(i, j int) bool {
		if table[i].Count != table[j].Count {
			return table[i].Count > table[j].Count
		}

		return table[i].Value < table[j].Value
	})

	if len(table) > topValuesLimit {
		table = table[:topValuesLimit]
	}

	p.TopValues = table
	p.TopValue = table[0].Value
	p.TopValueCount = table[0].Count

	pct := float64(table[0].Count) / float64(len(values)) * 100
	p.TopValuePercentage = &pct
}

func addDatetimeStats(p *ColumnProfile, times []time.Time) {
	minT := times[0]
	maxT := times[0]

	yearCounts := make(map[int]int)
	monthCounts := make(map[int]int)
	weekdayCounts := make(map[int]int)

	for _, t := range times {
		if t.Before(minT) {
			minT = t
		}

		if t.After(maxT) {
			maxT = t
		}

		yearCounts[t.Year()]++
		monthCounts[int(t.Month())]++
		weekdayCounts[int(t.Weekday())]++
	}

	rangeDays := int(maxT.Sub(minT).Hours() / 24)

	p.MinDate = &minT
	p.MaxDate = &maxT
	p.DateRangeDays = &rangeDays

	year := modalKey(yearCounts)
	month := modalKey(monthCounts)
	weekday := modalKey(weekdayCounts)

	p.MostCommonYear = &year
	p.MostCommonMonth = &month
	p.MostCommonDayOfWeek = &weekday
}

// modalKey returns the most frequent key, smallest key winning ties.
func modalKey(counts map[int]int) int {
	best := 0
	bestCount := -1

	for key, count := range counts {
		if count > bestCount || (count == bestCount && key < best) {
			best = key
			bestCount = count
		}
	}

	return best
}

func countUnique(values []any) int {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		seen[stringify(v)] = struct{}{}
	}

	return len(seen)
}
