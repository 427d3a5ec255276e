// Package bomgraph contains the graph algorithms behind the BOM manager:
// reachability for the cycle check, ancestor/descendant walks and the
// hierarchy expansion with quantity rollup.
//
// The functions are storage agnostic. Callers supply a Neighbors func that
// reads edges from wherever they live, typically a gorm transaction so the
// check and the insert see the same snapshot.
package bomgraph

import (
	"context"
)

// Neighbors returns the ids adjacent to id in the direction being walked.
type Neighbors func(ctx context.Context, id string) ([]string, error)

// Reachable runs a breadth-first search from `from` and reports whether `to`
// can be reached. When it can, path holds the ids from `from` to `to`.
func Reachable(ctx context.Context, from, to string, next Neighbors) (bool, []string, error) {
	if from == to {
		return true, []string{from}, nil
	}
	prev := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return false, nil, err
		}
		cur := queue[0]
		queue = queue[1:]

		ids, err := next(ctx, cur)
		if err != nil {
			return false, nil, err
		}
		for _, id := range ids {
			if _, seen := prev[id]; seen {
				continue
			}
			prev[id] = cur
			if id == to {
				return true, buildPath(prev, from, to), nil
			}
			queue = append(queue, id)
		}
	}
	return false, nil, nil
}

func buildPath(prev map[string]string, from, to string) []string {
	var rev []string
	for cur := to; ; cur = prev[cur] {
		rev = append(rev, cur)
		if cur == from {
			break
		}
	}
	path := make([]string, len(rev))
	for i, id := range rev {
		path[len(rev)-1-i] = id
	}
	return path
}

// Walk returns every id reachable from start, in breadth-first order,
// excluding start itself. Each id appears once even in a DAG with shared
// sub-assemblies.
func Walk(ctx context.Context, start string, next Neighbors) ([]string, error) {
	seen := map[string]bool{start: true}
	queue := []string{start}
	var out []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur := queue[0]
		queue = queue[1:]

		ids, err := next(ctx, cur)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
			queue = append(queue, id)
		}
	}
	return out, nil
}
