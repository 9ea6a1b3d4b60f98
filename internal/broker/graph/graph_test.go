package graph

import (
	"context"
	"testing"
)

type edgeMap map[int64][]int64

func (m edgeMap) DependsOn(_ context.Context, taskID int64) ([]int64, error) {
	return m[taskID], nil
}

func TestWouldCreateCycle(t *testing.T) {
	ctx := context.Background()
	// 1 -> 2 -> 3
	edges := edgeMap{1: {2}, 2: {3}}

	cycle, err := WouldCreateCycle(ctx, edges, 3, 1)
	if err != nil {
		t.Fatalf("WouldCreateCycle: %v", err)
	}
	if !cycle {
		t.Error("3 -> 1 should close the cycle 1 -> 2 -> 3 -> 1")
	}

	cycle, err = WouldCreateCycle(ctx, edges, 1, 3)
	if err != nil {
		t.Fatalf("WouldCreateCycle: %v", err)
	}
	if cycle {
		t.Error("1 -> 3 is a shortcut, not a cycle")
	}
}

func TestWouldCreateCycleSelfEdge(t *testing.T) {
	cycle, err := WouldCreateCycle(context.Background(), edgeMap{}, 7, 7)
	if err != nil {
		t.Fatalf("WouldCreateCycle: %v", err)
	}
	if !cycle {
		t.Error("a task depending on itself is a cycle")
	}
}

func TestWouldCreateCycleInverseEdge(t *testing.T) {
	// Existing dependency 2 -> 1; the inverse edge 1 -> 2 must be refused.
	edges := edgeMap{2: {1}}
	cycle, err := WouldCreateCycle(context.Background(), edges, 1, 2)
	if err != nil {
		t.Fatalf("WouldCreateCycle: %v", err)
	}
	if !cycle {
		t.Error("inverse of an existing edge should be detected as a cycle")
	}
}

func TestWouldCreateCycleDiamond(t *testing.T) {
	// 1 -> {2, 3}, both -> 4. A diamond is acyclic.
	edges := edgeMap{1: {2, 3}, 2: {4}, 3: {4}}
	cycle, err := WouldCreateCycle(context.Background(), edges, 4, 5)
	if err != nil {
		t.Fatalf("WouldCreateCycle: %v", err)
	}
	if cycle {
		t.Error("diamond plus an unrelated edge should not report a cycle")
	}
}

func TestReachable(t *testing.T) {
	edges := edgeMap{1: {2}, 2: {3}, 3: {}}
	got, err := Reachable(context.Background(), edges, 1)
	if err != nil {
		t.Fatalf("Reachable: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 reachable tasks, got %v", got)
	}
}
