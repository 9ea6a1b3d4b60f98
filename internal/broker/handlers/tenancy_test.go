package handlers

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestTenancyAdminHTTP(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/organizations", map[string]any{
		"name": "Acme", "slug": "acme",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create org status = %d, body = %s", w.Code, w.Body.String())
	}
	var org struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &org); err != nil {
		t.Fatalf("decode org: %v", err)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/organizations", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list orgs status = %d", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/teams", map[string]any{
		"organization_id": org.ID, "name": "platform",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create team status = %d, body = %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/roles", map[string]any{
		"organization_id": org.ID, "name": "operator", "permissions": []string{"tasks:*"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create role status = %d, body = %s", w.Code, w.Body.String())
	}
	var role struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &role); err != nil {
		t.Fatalf("decode role: %v", err)
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/memberships", map[string]any{
		"organization_id": org.ID, "user_id": "user-1", "role_ids": []int64{role.ID},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create membership status = %d, body = %s", w.Code, w.Body.String())
	}

	// Missing a required field is rejected before the service sees it.
	w = doJSON(t, router, http.MethodPost, "/api/v1/organizations", map[string]any{"name": "NoSlug"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("org without slug status = %d, want 400", w.Code)
	}
}
