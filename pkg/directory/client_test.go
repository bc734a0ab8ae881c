package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/copperline/jitbroker/internal/identity"
)

func TestListDirectGroupMemberships_Paginates(t *testing.T) {
	var gotUserKeys []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/directory/v1/groups" {
			t.Errorf("Expected the groups listing path, got %s", r.URL.Path)
		}
		gotUserKeys = append(gotUserKeys, r.URL.Query().Get("userKey"))

		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pageToken") == "" {
			json.NewEncoder(w).Encode(map[string]any{
				"groups": []map[string]string{
					{"email": "oncall@example.com"},
					{"email": "not-an-email"},
				},
				"nextPageToken": "page-2",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"groups": []map[string]string{
				{"email": "Platform-Admins@example.com"},
			},
		})
	}))
	defer server.Close()

	client := NewClient(ClientConfig{Endpoint: server.URL})

	groups, err := client.ListDirectGroupMemberships(context.Background(), identity.UserID("alice@example.com"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(gotUserKeys) != 2 {
		t.Fatalf("Expected 2 requests across pages, got %d", len(gotUserKeys))
	}
	for _, key := range gotUserKeys {
		if key != "alice@example.com" {
			t.Errorf("Expected userKey on every page, got %q", key)
		}
	}

	if len(groups) != 2 {
		t.Fatalf("Expected 2 groups after skipping the malformed email, got %d: %v", len(groups), groups)
	}
	if groups[0] != identity.GroupID("oncall@example.com") {
		t.Errorf("Unexpected first group: %s", groups[0])
	}
	if groups[1] != identity.GroupID("platform-admins@example.com") {
		t.Errorf("Expected the group email lowercased, got %s", groups[1])
	}
}

func TestListDirectGroupMemberships_Empty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{Endpoint: server.URL})

	groups, err := client.ListDirectGroupMemberships(context.Background(), identity.UserID("alice@example.com"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(groups) != 0 {
		t.Errorf("Expected no groups, got %v", groups)
	}
}

func TestListDirectGroupMembers_FiltersNonUsers(t *testing.T) {
	var gotPath string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{
			"members": []map[string]string{
				{"email": "alice@example.com", "type": "USER"},
				{"email": "nested@example.com", "type": "GROUP"},
				{"email": "svc@project.iam.gserviceaccount.com"},
				{"email": "", "type": "USER"},
			},
		})
	}))
	defer server.Close()

	client := NewClient(ClientConfig{Endpoint: server.URL})

	users, err := client.ListDirectGroupMembers(context.Background(), identity.GroupID("oncall@example.com"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if gotPath != "/admin/directory/v1/groups/oncall@example.com/members" {
		t.Errorf("Unexpected members path: %s", gotPath)
	}

	if len(users) != 2 {
		t.Fatalf("Expected the user and the untyped member, got %d: %v", len(users), users)
	}
	if users[0] != identity.UserID("alice@example.com") {
		t.Errorf("Unexpected first member: %s", users[0])
	}
	if users[1] != identity.UserID("svc@project.iam.gserviceaccount.com") {
		t.Errorf("Expected the untyped member kept, got %s", users[1])
	}
}

func TestListDirectGroupMembers_Paginates(t *testing.T) {
	requests := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.URL.Query().Get("pageToken") == "" {
			json.NewEncoder(w).Encode(map[string]any{
				"members":       []map[string]string{{"email": "a@example.com", "type": "USER"}},
				"nextPageToken": "next",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"members": []map[string]string{{"email": "b@example.com", "type": "USER"}},
		})
	}))
	defer server.Close()

	client := NewClient(ClientConfig{Endpoint: server.URL})

	users, err := client.ListDirectGroupMembers(context.Background(), identity.GroupID("oncall@example.com"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if requests != 2 {
		t.Errorf("Expected 2 page fetches, got %d", requests)
	}
	if len(users) != 2 {
		t.Errorf("Expected members from both pages, got %v", users)
	}
}

func TestListDirectGroupMembers_AccessDenied(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "Not Authorized to access this resource/api"}}`, http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{Endpoint: server.URL})

	_, err := client.ListDirectGroupMembers(context.Background(), identity.GroupID("oncall@example.com"))
	if err == nil {
		t.Fatal("Expected an error for 403")
	}
	if !strings.Contains(err.Error(), "authentication error") {
		t.Errorf("Expected authentication error wrapping, got %v", err)
	}
}
