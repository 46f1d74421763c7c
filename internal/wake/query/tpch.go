package query

import (
	"fmt"
	"path/filepath"

	"github.com/ariyn/wake/internal/wake/forecast"
	"github.com/ariyn/wake/internal/wake/op"
)

var tpchFields = map[string][]string{
	"lineitem": {
		"l_orderkey", "l_partkey", "l_suppkey", "l_linenumber", "l_quantity",
		"l_extendedprice", "l_discount", "l_tax", "l_returnflag", "l_linestatus",
		"l_shipdate", "l_commitdate", "l_receiptdate", "l_shipinstruct", "l_shipmode",
		"l_comment",
	},
	"orders": {
		"o_orderkey", "o_custkey", "o_orderstatus", "o_totalprice", "o_orderdate",
		"o_orderpriority", "o_clerk", "o_shippriority", "o_comment",
	},
	"customer": {
		"c_custkey", "c_name", "c_address", "c_nationkey", "c_phone", "c_acctbal",
		"c_mktsegment", "c_comment",
	},
	"part": {
		"p_partkey", "p_name", "p_mfgr", "p_brand", "p_type", "p_size",
		"p_container", "p_retailprice", "p_comment",
	},
}

var tpchSchema = map[string]map[string]any{
	"lineitem": {
		"l_orderkey": "int", "l_partkey": "int", "l_suppkey": "int", "l_linenumber": "int",
		"l_quantity": "float", "l_extendedprice": "float", "l_discount": "float", "l_tax": "float",
		"l_shipdate": "date", "l_commitdate": "date", "l_receiptdate": "date",
	},
	"orders": {
		"o_orderkey": "int", "o_custkey": "int", "o_totalprice": "float", "o_orderdate": "date",
		"o_shippriority": "int",
	},
	"customer": {
		"c_custkey": "int", "c_nationkey": "int", "c_acctbal": "float",
	},
	"part": {
		"p_partkey": "int", "p_size": "int", "p_retailprice": "float",
	},
}

// TPCHTables describes the dbgen output files (<table>.tbl) found in dir.
func TPCHTables(dir string) map[string]map[string]any {
	out := make(map[string]map[string]any, len(tpchFields))
	for name, fields := range tpchFields {
		fs := make([]any, len(fields))
		for i, f := range fields {
			fs[i] = f
		}
		out[name] = map[string]any{
			"type":   "tbl",
			"path":   filepath.Join(dir, name+".tbl"),
			"fields": fs,
			"schema": tpchSchema[name],
		}
	}
	return out
}

// TPCHQuery returns a built-in query by its short name: "a", "b" or "d".
func TPCHQuery(name string) (QueryConfig, error) {
	switch name {
	case "a", "tpch_a":
		return TPCHQueryA(), nil
	case "b", "tpch_b":
		return TPCHQueryB(), nil
	case "d", "tpch_d":
		return TPCHQueryD(), nil
	default:
		return QueryConfig{}, fmt.Errorf("unknown built-in query %q", name)
	}
}

// TPCHQueryA is the revenue of 1994 line items:
//
//	SELECT SUM(l_extendedprice * l_discount) AS revenue FROM lineitem
//	WHERE l_shipdate >= '1994-01-01' AND l_shipdate < '1995-01-01'
func TPCHQueryA() QueryConfig {
	return QueryConfig{
		Name: "tpch_a",
		Nodes: []NodeConfig{
			{Name: "lineitem", Kind: KindSource, Columns: []string{"l_extendedprice", "l_discount", "l_shipdate"}},
			{Name: "where", Kind: KindTransform, Inputs: []string{"lineitem"},
				Filter: "l_shipdate >= '1994-01-01' && l_shipdate < '1995-01-01'"},
			{Name: "expression", Kind: KindTransform, Inputs: []string{"where"},
				Derive: []DeriveConfig{{Name: "revenue", Expr: "l_extendedprice * l_discount"}}},
			{Name: "sum", Kind: KindAggregate, Inputs: []string{"expression"},
				Aggregates: []op.AggregateSpec{{Column: "revenue", Func: "sum", As: "revenue"}}},
			{Name: "select", Kind: KindTransform, Inputs: []string{"sum"}, Select: []string{"revenue"}},
		},
		Forecast: &forecast.TrackerConfig{Column: "revenue"},
	}
}

// TPCHQueryB is the order total per AUTOMOBILE customer, largest first:
//
//	SELECT c_name, SUM(o_totalprice) FROM orders JOIN customer ON o_custkey = c_custkey
//	WHERE c_mktsegment = 'AUTOMOBILE' GROUP BY c_name ORDER BY 2 DESC
func TPCHQueryB() QueryConfig {
	return QueryConfig{
		Name: "tpch_b",
		Nodes: []NodeConfig{
			{Name: "orders", Kind: KindSource, Columns: []string{"o_custkey", "o_totalprice"}},
			{Name: "customer", Kind: KindSource, Columns: []string{"c_name", "c_custkey", "c_mktsegment"}},
			{Name: "automobile", Kind: KindTransform, Inputs: []string{"customer"},
				Filter: "c_mktsegment == 'AUTOMOBILE'"},
			{Name: "join", Kind: KindJoin, Inputs: []string{"orders", "automobile"},
				LeftOn: []string{"o_custkey"}, RightOn: []string{"c_custkey"}},
			{Name: "group_by", Kind: KindAggregate, Inputs: []string{"join"},
				GroupKey:   []string{"c_name"},
				Aggregates: []op.AggregateSpec{{Column: "o_totalprice", Func: "sum"}}},
			{Name: "select", Kind: KindTransform, Inputs: []string{"group_by"},
				Select: []string{"c_name", "o_totalprice_sum"},
				Sort:   []SortConfig{{Column: "o_totalprice_sum", Desc: true}}},
		},
	}
}

// TPCHQueryD is the discounted revenue of three brand/size/quantity bands
// delivered in person:
//
//	SELECT SUM(l_extendedprice * (1 - l_discount)) AS revenue FROM part JOIN lineitem
//	ON p_partkey = l_partkey WHERE l_shipinstruct = 'DELIVER IN PERSON' AND (...)
func TPCHQueryD() QueryConfig {
	return QueryConfig{
		Name: "tpch_d",
		Nodes: []NodeConfig{
			{Name: "lineitem", Kind: KindSource,
				Columns: []string{"l_partkey", "l_extendedprice", "l_discount", "l_shipinstruct", "l_quantity"}},
			{Name: "part", Kind: KindSource, Columns: []string{"p_partkey", "p_brand", "p_size"}},
			{Name: "in_person", Kind: KindTransform, Inputs: []string{"lineitem"},
				Filter: "l_shipinstruct == 'DELIVER IN PERSON'"},
			{Name: "join", Kind: KindJoin, Inputs: []string{"part", "in_person"},
				LeftOn: []string{"p_partkey"}, RightOn: []string{"l_partkey"}},
			{Name: "bands", Kind: KindTransform, Inputs: []string{"join"},
				Filter: "(p_brand == 'Brand#12' && p_size >= 1 && p_size <= 5 && l_quantity >= 1 && l_quantity <= 11)" +
					" || (p_brand == 'Brand#23' && p_size >= 1 && p_size <= 10 && l_quantity >= 10 && l_quantity <= 20)" +
					" || (p_brand == 'Brand#34' && p_size >= 1 && p_size <= 15 && l_quantity >= 20 && l_quantity <= 30)",
				Derive: []DeriveConfig{{Name: "disc_price", Expr: "l_extendedprice * (1.0 - l_discount)"}}},
			{Name: "sum", Kind: KindAggregate, Inputs: []string{"bands"},
				Aggregates: []op.AggregateSpec{{Column: "disc_price", Func: "sum", As: "revenue"}}},
			{Name: "select", Kind: KindTransform, Inputs: []string{"sum"}, Select: []string{"revenue"}},
		},
		Forecast: &forecast.TrackerConfig{Column: "revenue"},
	}
}
