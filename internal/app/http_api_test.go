package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"arbor/internal/auth"
	"arbor/internal/store"
)

func newTestServer(t *testing.T, fs *fakeStore) *httptest.Server {
	t.Helper()
	svc, _ := newTestService(fs)
	srv := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(srv.Close)
	return srv
}

func issueTestToken(t *testing.T, userID, userName string) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, auth.Claims{
		Sub:  userID,
		Name: userName,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func doRequest(t *testing.T, srv *httptest.Server, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})
	resp, payload := doRequest(t, srv, http.MethodGet, "/api/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if payload["ok"] != true {
		t.Fatalf("payload = %v", payload)
	}
}

func TestPreflightHasNoBody(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/createTree", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(body) != 0 {
		t.Fatalf("body = %q", body)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow origin = %q", got)
	}
}

func TestReadyReportsDatabaseFailure(t *testing.T) {
	srv := newTestServer(t, &fakeStore{
		ping: func(ctx context.Context) error { return context.DeadlineExceeded },
	})
	resp, payload := doRequest(t, srv, http.MethodGet, "/api/ready", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if payload["status"] != "not_ready" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestAuthenticatedRoutesRejectMissingToken(t *testing.T) {
	srv := newTestServer(t, &fakeStore{})

	for _, route := range []struct {
		method, path string
	}{
		{http.MethodPut, "/api/createTree"},
		{http.MethodGet, "/api/user/trees"},
		{http.MethodGet, "/api/user/visitedTrees"},
		{http.MethodDelete, "/api/trees/t1"},
		{http.MethodPost, "/api/permissions/grant"},
	} {
		resp, _ := doRequest(t, srv, route.method, route.path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s %s: status = %d, want 401", route.method, route.path, resp.StatusCode)
		}
	}

	resp, _ := doRequest(t, srv, http.MethodGet, "/api/user/trees", "tampered.token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("invalid token: status = %d, want 401", resp.StatusCode)
	}
}

func TestCreateTreeEndpoint(t *testing.T) {
	var gotOwner string
	srv := newTestServer(t, &fakeStore{
		insertTreeMetadata: func(ctx context.Context, treeID, ownerID, title string, nodeCount int) error {
			gotOwner = ownerID
			return nil
		},
	})
	token := issueTestToken(t, "u1", "Alice")

	resp, payload := doRequest(t, srv, http.MethodPut, "/api/createTree", token, map[string]any{
		"tree": validSnapshot(),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, payload = %v", resp.StatusCode, payload)
	}
	if payload["tree_id"] == "" || payload["tree_id"] == nil {
		t.Fatalf("payload = %v", payload)
	}
	if gotOwner != "u1" {
		t.Fatalf("owner = %q, want u1", gotOwner)
	}

	// Structurally invalid trees are refused.
	resp, _ = doRequest(t, srv, http.MethodPut, "/api/createTree", token, map[string]any{
		"tree": map[string]any{"nodeDict": map[string]any{}},
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("invalid tree: status = %d, want 422", resp.StatusCode)
	}
}

func TestDuplicateTreeEndpointWorksWithoutAuth(t *testing.T) {
	fs := &fakeStore{}
	svc, reg := newTestService(fs)
	srv := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(srv.Close)

	originID, err := reg.Create(context.Background(), validSnapshot())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, payload := doRequest(t, srv, http.MethodPut, "/api/duplicateTree", "", map[string]any{
		"origin_tree_id": originID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, payload = %v", resp.StatusCode, payload)
	}
	newID, _ := payload["new_tree_id"].(string)
	if newID == "" || newID == originID {
		t.Fatalf("new_tree_id = %q", newID)
	}

	resp, _ = doRequest(t, srv, http.MethodPut, "/api/duplicateTree", "", map[string]any{})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("missing origin: status = %d, want 422", resp.StatusCode)
	}
}

func TestDeleteTreeEndpointStatusCodes(t *testing.T) {
	srv := newTestServer(t, &fakeStore{
		getTreeMetadata: func(ctx context.Context, treeID string) (store.TreeMetadata, error) {
			if treeID != "t1" {
				return store.TreeMetadata{}, sql.ErrNoRows
			}
			return store.TreeMetadata{TreeID: "t1", Owner: "owner-1"}, nil
		},
		softDeleteTree: func(ctx context.Context, treeID string) (bool, error) { return true, nil },
	})

	resp, _ := doRequest(t, srv, http.MethodDelete, "/api/trees/t1", issueTestToken(t, "intruder", ""), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-owner delete: status = %d, want 403", resp.StatusCode)
	}

	resp, _ = doRequest(t, srv, http.MethodDelete, "/api/trees/missing", issueTestToken(t, "owner-1", ""), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing tree: status = %d, want 404", resp.StatusCode)
	}

	resp, payload := doRequest(t, srv, http.MethodDelete, "/api/trees/t1", issueTestToken(t, "owner-1", ""), nil)
	if resp.StatusCode != http.StatusOK || payload["success"] != true {
		t.Fatalf("owner delete: status = %d, payload = %v", resp.StatusCode, payload)
	}
}

func TestTreeMetadataEndpointIncludesDeleted(t *testing.T) {
	srv := newTestServer(t, &fakeStore{
		getTreeMetadata: func(ctx context.Context, treeID string) (store.TreeMetadata, error) {
			if treeID != "gone" {
				return store.TreeMetadata{}, sql.ErrNoRows
			}
			return store.TreeMetadata{TreeID: "gone", Deleted: true}, nil
		},
	})
	token := issueTestToken(t, "u1", "")

	// Soft-deleted trees stay fetchable by id.
	resp, payload := doRequest(t, srv, http.MethodGet, "/api/trees/gone/metadata", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if payload["deleted"] != true {
		t.Fatalf("payload = %v", payload)
	}

	resp, _ = doRequest(t, srv, http.MethodGet, "/api/trees/unknown/metadata", token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown tree: status = %d, want 404", resp.StatusCode)
	}
}

func TestPermissionEndpoints(t *testing.T) {
	granted := map[string]string{}
	srv := newTestServer(t, &fakeStore{
		getTreeMetadata: func(ctx context.Context, treeID string) (store.TreeMetadata, error) {
			return store.TreeMetadata{TreeID: treeID}, nil
		},
		grantPermission: func(ctx context.Context, treeID, userID, permissionType string) error {
			granted[treeID+"/"+userID] = permissionType
			return nil
		},
		revokePermission: func(ctx context.Context, treeID, userID string) error {
			delete(granted, treeID+"/"+userID)
			return nil
		},
		hasPermission: func(ctx context.Context, treeID, userID, permissionType string) (bool, error) {
			return granted[treeID+"/"+userID] == permissionType, nil
		},
		listTreePermissions: func(ctx context.Context, treeID string) ([]store.TreePermission, error) {
			return []store.TreePermission{{TreeID: treeID, UserID: "u2", PermissionType: "editor"}}, nil
		},
	})
	token := issueTestToken(t, "u1", "")

	resp, _ := doRequest(t, srv, http.MethodPost, "/api/permissions/grant", token, map[string]any{
		"treeId": "t1", "userId": "u2", "permissionType": "editor",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("grant: status = %d", resp.StatusCode)
	}

	resp, payload := doRequest(t, srv, http.MethodGet, "/api/permissions/has/t1/u2/editor", token, nil)
	if resp.StatusCode != http.StatusOK || payload["hasPermission"] != true {
		t.Fatalf("has: status = %d, payload = %v", resp.StatusCode, payload)
	}

	resp, payload = doRequest(t, srv, http.MethodGet, "/api/permissions/tree/t1", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status = %d", resp.StatusCode)
	}
	if perms, ok := payload["permissions"].([]any); !ok || len(perms) != 1 {
		t.Fatalf("list payload = %v", payload)
	}

	resp, _ = doRequest(t, srv, http.MethodPost, "/api/permissions/revoke", token, map[string]any{
		"treeId": "t1", "userId": "u2",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke: status = %d", resp.StatusCode)
	}
	resp, payload = doRequest(t, srv, http.MethodGet, "/api/permissions/has/t1/u2/editor", token, nil)
	if resp.StatusCode != http.StatusOK || payload["hasPermission"] != false {
		t.Fatalf("has after revoke: payload = %v", payload)
	}
}

func TestVisitEndpoints(t *testing.T) {
	visits := map[string]time.Time{}
	srv := newTestServer(t, &fakeStore{
		recordVisit: func(ctx context.Context, userID, treeID string) error {
			visits[treeID] = time.Now()
			return nil
		},
		listVisits: func(ctx context.Context, userID string) ([]store.TreeVisit, error) {
			out := make([]store.TreeVisit, 0, len(visits))
			for id, at := range visits {
				out = append(out, store.TreeVisit{UserID: userID, TreeID: id, LastVisited: at})
			}
			return out, nil
		},
		removeVisit: func(ctx context.Context, userID, treeID string) error {
			delete(visits, treeID)
			return nil
		},
		getTreeMetadata: func(ctx context.Context, treeID string) (store.TreeMetadata, error) {
			return store.TreeMetadata{TreeID: treeID, Title: "T"}, nil
		},
	})
	token := issueTestToken(t, "u1", "")

	resp, _ := doRequest(t, srv, http.MethodPost, "/api/recordTreeVisit", token, map[string]any{"treeId": "t1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("record: status = %d", resp.StatusCode)
	}

	resp, _ = doRequest(t, srv, http.MethodPost, "/api/recordTreeVisit", token, map[string]any{})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("record without treeId: status = %d, want 422", resp.StatusCode)
	}

	resp, payload := doRequest(t, srv, http.MethodGet, "/api/user/visitedTrees", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status = %d", resp.StatusCode)
	}
	if trees, ok := payload["visitedTrees"].([]any); !ok || len(trees) != 1 {
		t.Fatalf("list payload = %v", payload)
	}

	resp, _ = doRequest(t, srv, http.MethodDelete, "/api/user/visitedTrees/t1", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove: status = %d", resp.StatusCode)
	}
	resp, payload = doRequest(t, srv, http.MethodGet, "/api/user/visitedTrees", token, nil)
	if trees, ok := payload["visitedTrees"].([]any); !ok || len(trees) != 0 {
		t.Fatalf("list after remove = %v", payload)
	}
}
