package mcpserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dispatchd/dispatchd/internal/broker/service"
	"github.com/dispatchd/dispatchd/internal/broker/store"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/db"
)

func newTestService(t *testing.T) *service.Service {
	t.Helper()

	path := filepath.Join(t.TempDir(), "broker.db")
	writer, err := db.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	reader, err := db.OpenSQLiteReader(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	t.Cleanup(func() { _ = pool.Close() })

	st, err := store.New(pool)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	cfg := config.BrokerConfig{
		TaskTimeoutHours:        24,
		ReclaimerPeriodSeconds:  60,
		RecurrencePeriodSeconds: 60,
		DefaultQueryLimit:       100,
		MaxQueryLimit:           1000,
	}
	return service.New(st, nil, logger.Default(), cfg)
}

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]interface{}) map[string]interface{} {
	t.Helper()

	req := mcp.CallToolRequest{}
	req.Params.Arguments = args

	res, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("tool returned protocol error: %v", err)
	}

	text, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("tool result is not text content: %#v", res.Content[0])
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(text.Text), &payload); err != nil {
		t.Fatalf("tool result is not JSON: %v\n%s", err, text.Text)
	}
	return payload
}

func TestCreateAndReserveTools(t *testing.T) {
	svc := newTestService(t)

	payload := callTool(t, createTaskHandler(svc), map[string]interface{}{
		"title":    "wire the feed",
		"priority": "high",
	})
	if payload["success"] != true {
		t.Fatalf("create_task failed: %v", payload)
	}
	task := payload["result"].(map[string]interface{})
	id := task["id"].(float64)

	payload = callTool(t, reserveHandler(svc), map[string]interface{}{
		"task_id":  id,
		"agent_id": "agent-1",
	})
	if payload["success"] != true {
		t.Fatalf("reserve_task failed: %v", payload)
	}
}

func TestLeaseConflictIsLogicalFailure(t *testing.T) {
	svc := newTestService(t)

	payload := callTool(t, createTaskHandler(svc), map[string]interface{}{"title": "contested"})
	task := payload["result"].(map[string]interface{})
	id := task["id"].(float64)

	callTool(t, reserveHandler(svc), map[string]interface{}{"task_id": id, "agent_id": "agent-1"})

	// A second reservation is a tool-level failure, not a protocol error.
	payload = callTool(t, reserveHandler(svc), map[string]interface{}{"task_id": id, "agent_id": "agent-2"})
	if payload["success"] != false {
		t.Fatalf("expected failure payload, got %v", payload)
	}
	if payload["error_kind"] != "not_reservable" {
		t.Errorf("error_kind = %v, want not_reservable", payload["error_kind"])
	}
}

func TestMissingTaskIsNotFoundKind(t *testing.T) {
	svc := newTestService(t)

	payload := callTool(t, getTaskHandler(svc), map[string]interface{}{"task_id": 404.0})
	if payload["success"] != false {
		t.Fatalf("expected failure payload, got %v", payload)
	}
	if payload["error_kind"] != "not_found" {
		t.Errorf("error_kind = %v, want not_found", payload["error_kind"])
	}
}

func TestMissingRequiredArgument(t *testing.T) {
	svc := newTestService(t)

	payload := callTool(t, createTaskHandler(svc), map[string]interface{}{})
	if payload["success"] != false {
		t.Fatalf("expected failure payload, got %v", payload)
	}
	if payload["error_kind"] != "invalid_input" {
		t.Errorf("error_kind = %v, want invalid_input", payload["error_kind"])
	}
}

func TestCompleteToolReportsVerificationState(t *testing.T) {
	svc := newTestService(t)

	payload := callTool(t, createTaskHandler(svc), map[string]interface{}{"title": "two phase"})
	task := payload["result"].(map[string]interface{})
	id := task["id"].(float64)

	callTool(t, reserveHandler(svc), map[string]interface{}{"task_id": id, "agent_id": "agent-1"})

	payload = callTool(t, completeHandler(svc), map[string]interface{}{
		"task_id":  id,
		"agent_id": "agent-1",
		"notes":    "done",
	})
	if payload["success"] != true {
		t.Fatalf("complete_task failed: %v", payload)
	}
	out := payload["result"].(map[string]interface{})
	if out["verified"] != false {
		t.Errorf("first completion should leave the task unverified, got %v", out["verified"])
	}
}
