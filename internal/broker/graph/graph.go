// Package graph provides cycle detection over the task dependency graph.
//
// Both blocking edge types describe the same underlying dependency:
// blocked_by(p, c) and blocking(c, p) both mean p depends on c. The
// dependency graph must stay acyclic or blocked tasks could deadlock forever.
package graph

import "context"

// EdgeSource supplies outgoing dependency edges. DependsOn returns the tasks
// that taskID is waiting on, across both blocking edge types.
type EdgeSource interface {
	DependsOn(ctx context.Context, taskID int64) ([]int64, error)
}

// WouldCreateCycle reports whether adding the dependency fromID -> toID would
// close a cycle. The candidate edge itself must not be in the EdgeSource yet;
// the check is a BFS asking whether toID already reaches fromID.
func WouldCreateCycle(ctx context.Context, src EdgeSource, fromID, toID int64) (bool, error) {
	if fromID == toID {
		return true, nil
	}

	visited := map[int64]bool{toID: true}
	queue := []int64{toID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		next, err := src.DependsOn(ctx, current)
		if err != nil {
			return false, err
		}
		for _, id := range next {
			if id == fromID {
				return true, nil
			}
			if visited[id] {
				continue
			}
			visited[id] = true
			queue = append(queue, id)
		}
	}
	return false, nil
}

// Reachable returns every task transitively reachable from startID over the
// dependency edges, excluding startID itself.
func Reachable(ctx context.Context, src EdgeSource, startID int64) ([]int64, error) {
	visited := map[int64]bool{startID: true}
	queue := []int64{startID}
	var out []int64

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		next, err := src.DependsOn(ctx, current)
		if err != nil {
			return nil, err
		}
		for _, id := range next {
			if visited[id] {
				continue
			}
			visited[id] = true
			out = append(out, id)
			queue = append(queue, id)
		}
	}
	return out, nil
}
