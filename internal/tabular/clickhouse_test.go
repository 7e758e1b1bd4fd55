package tabular

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClickHouseBuildQuery(t *testing.T) {
	store := &ClickHouseStore{}

	spec := &GroupedFetchSpec{
		Table: "search_events",
		Select: []SelectColumn{
			{Kind: KindGroup, Column: "country", Alias: "country"},
			{Kind: KindCountDistinct, Column: "query_id", Alias: "queries"},
			{Kind: KindSum, Column: "clicks", Alias: "clicks"},
		},
		GroupBy: []string{"country"},
		Where: []Predicate{
			{Column: "event_date", Op: PredGte, Value: "2026-01-01"},
			{Column: "country", Op: PredIn, Values: []interface{}{"NO", "SE"}},
		},
		OrderBy: []OrderBy{{Alias: "queries", Desc: true}},
		Limit:   25,
	}

	queryString, args, err := store.buildQuery(spec, true)
	require.NoError(t, err)

	expected := "SELECT `country` AS `country`, " +
		"COUNT(DISTINCT `query_id`) AS `queries`, " +
		"SUM(`clicks`) AS `clicks` " +
		"FROM `search_events` " +
		"WHERE `event_date` >= ? AND `country` IN (?, ?) " +
		"GROUP BY `country` " +
		"ORDER BY `queries` DESC " +
		"LIMIT 25"
	assert.Equal(t, expected, queryString)
	assert.Len(t, args, 3)
}

func TestClickHouseBuildQueryDivideOrZero(t *testing.T) {
	store := &ClickHouseStore{}

	spec := &GroupedFetchSpec{
		Table: "rollup_daily",
		Select: []SelectColumn{
			{Kind: KindGroup, Column: "country", Alias: "country"},
			{Kind: KindDivideOrZero, Numerator: "clicks", Denom: "queries", Alias: "ctr"},
		},
		GroupBy: []string{"country"},
	}

	queryString, _, err := store.buildQuery(spec, true)
	require.NoError(t, err)

	expected := "SELECT `country` AS `country`, " +
		"if(SUM(`queries`) = 0, 0, SUM(`clicks`) / SUM(`queries`)) AS `ctr` " +
		"FROM `rollup_daily` " +
		"GROUP BY `country`"
	assert.Equal(t, expected, queryString)
}

func TestClickHouseBuildQueryExpressionColumn(t *testing.T) {
	store := &ClickHouseStore{}

	spec := &GroupedFetchSpec{
		Table: "search_events",
		Select: []SelectColumn{
			{Kind: KindExpression, Expression: "COUNT(DISTINCT query_id)", Alias: "queries"},
		},
	}

	queryString, _, err := store.buildQuery(spec, true)
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(DISTINCT query_id) AS `queries` FROM `search_events`", queryString)
}

func TestClickHouseBuildQueryRejectsEmptyIn(t *testing.T) {
	store := &ClickHouseStore{}

	spec := &GroupedFetchSpec{
		Table: "search_events",
		Select: []SelectColumn{
			{Kind: KindGroup, Column: "country", Alias: "country"},
		},
		Where: []Predicate{
			{Column: "country", Op: PredIn},
		},
	}

	_, _, err := store.buildQuery(spec, true)
	assert.Error(t, err)
}
