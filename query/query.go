// Package query implements the Query facade of spec.md §4.4: a small
// sum type over range lookups, min/max operators, and set-algebraic
// combinations, evaluated against whatever index view a caller supplies
// (a bare InMemoryIndex, or a transaction's merged TransactionIndex).
package query

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/embedkv/document"
	"github.com/cuemby/embedkv/keyrange"
	"github.com/cuemby/embedkv/kvindex"
)

// Op selects which extremal group Advanced targets.
type Op int

const (
	MIN Op = iota
	MAX
)

// BoolOp selects how Combined merges its children's key sets.
type BoolOp int

const (
	AND BoolOp = iota
	OR
)

type kind int

const (
	kindRange kind = iota
	kindAdvanced
	kindCombined
)

// Query is an immutable query expression: exactly one of Range, Advanced
// or Combined, built through the constructors below.
type Query struct {
	kind      kind
	indexName string
	r         keyrange.Range
	op        Op
	boolOp    BoolOp
	children  []Query
}

// Range builds a query that delegates directly to index.Keys(r).
func Range(indexName string, r keyrange.Range) Query {
	return Query{kind: kindRange, indexName: indexName, r: r}
}

// Advanced builds a query over an index's minimal or maximal
// secondary-key group.
func Advanced(indexName string, op Op) Query {
	return Query{kind: kindAdvanced, indexName: indexName, op: op}
}

// Combined builds an AND/OR query over one or more sub-queries.
func Combined(op BoolOp, children ...Query) Query {
	return Query{kind: kindCombined, boolOp: op, children: children}
}

// IndexLookup resolves an index by name to the view Evaluate reads
// against. txn.ObjectStore and txn.Transaction both satisfy this
// directly, handing back either a backend's persisted index or a
// transaction's merged TransactionIndex, per spec.md §4.3. Only the read
// side (kvindex.BackendIndex) is needed here; Evaluate never mutates an
// index.
type IndexLookup interface {
	Index(name string) (kvindex.BackendIndex, bool)
}

// Resolver resolves a primary key to its current value, preserving the
// read isolation of whichever state is evaluating the query.
type Resolver func(key keyrange.Key) (document.Value, bool)

// Evaluate runs q against lookup and returns the matching primary keys.
// Combined queries fan their children out concurrently via errgroup; the
// first child error cancels the rest.
func Evaluate(ctx context.Context, lookup IndexLookup, q Query) (kvindex.SortedKeys, error) {
	switch q.kind {
	case kindRange:
		idx, ok := lookup.Index(q.indexName)
		if !ok {
			return nil, fmt.Errorf("query: unknown index %q", q.indexName)
		}
		return idx.Keys(q.r, 0), nil

	case kindAdvanced:
		idx, ok := lookup.Index(q.indexName)
		if !ok {
			return nil, fmt.Errorf("query: unknown index %q", q.indexName)
		}
		var primaries kvindex.SortedKeys
		var found bool
		if q.op == MIN {
			_, primaries, found = idx.MinGroup(keyrange.All())
		} else {
			_, primaries, found = idx.MaxGroup(keyrange.All())
		}
		if !found {
			return nil, nil
		}
		return primaries, nil

	case kindCombined:
		return evaluateCombined(ctx, lookup, q)

	default:
		return nil, fmt.Errorf("query: unrecognized query kind")
	}
}

func evaluateCombined(ctx context.Context, lookup IndexLookup, q Query) (kvindex.SortedKeys, error) {
	if len(q.children) == 0 {
		return nil, nil
	}
	if len(q.children) == 1 {
		return Evaluate(ctx, lookup, q.children[0])
	}

	results := make([]kvindex.SortedKeys, len(q.children))
	g, gctx := errgroup.WithContext(ctx)
	for i, child := range q.children {
		i, child := i, child
		g.Go(func() error {
			r, err := Evaluate(gctx, lookup, child)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := results[0]
	for _, r := range results[1:] {
		if q.boolOp == AND {
			merged = kvindex.Intersect(merged, r)
		} else {
			merged = kvindex.Union(merged, r)
		}
	}
	return merged, nil
}

// Values evaluates q and post-resolves the matching primary keys through
// resolve, preserving the read isolation of whichever state resolve
// reads against.
func Values(ctx context.Context, lookup IndexLookup, resolve Resolver, q Query) ([]document.Value, error) {
	keys, err := Evaluate(ctx, lookup, q)
	if err != nil {
		return nil, err
	}
	out := make([]document.Value, 0, len(keys))
	for _, k := range keys {
		if v, ok := resolve(k); ok {
			out = append(out, v)
		}
	}
	return out, nil
}
