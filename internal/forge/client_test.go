package forge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := NewClient(srv.URL, "test-token", 5*time.Second, testLogger())
	return c, srv
}

func TestMergeable(t *testing.T) {
	boolPtr := func(b bool) *bool { return &b }

	tests := []struct {
		name      string
		mergeable *bool
		want      bool
	}{
		{"mergeable", boolPtr(true), true},
		{"conflicted", boolPtr(false), false},
		{"still computing", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/repos/sgkit-dev/sgkit/pulls/5" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				json.NewEncoder(w).Encode(map[string]*bool{"mergeable": tt.mergeable})
			}))
			defer srv.Close()

			got, err := c.Mergeable(context.Background(), "sgkit-dev/sgkit", 5)
			if err != nil {
				t.Fatalf("Mergeable() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Mergeable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergeConflictStatus(t *testing.T) {
	for _, code := range []int{http.StatusMethodNotAllowed, http.StatusConflict} {
		c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "merge conflict", code)
		}))
		defer srv.Close()

		err := c.Merge(context.Background(), "sgkit-dev/sgkit", 5, "rebase", "sha1")
		if !errors.Is(err, ErrConflict) {
			t.Errorf("status %d: error = %v, want ErrConflict", code, err)
		}
	}
}

func TestMergePinsSHA(t *testing.T) {
	var got map[string]string
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := c.Merge(context.Background(), "sgkit-dev/sgkit", 5, "rebase", "sha1"); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if got["merge_method"] != "rebase" {
		t.Errorf("merge_method = %s, want rebase", got["merge_method"])
	}
	if got["sha"] != "sha1" {
		t.Errorf("sha = %s, want sha1", got["sha"])
	}
}

func TestRemoveLabelMissingIsSuccess(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	if err := c.RemoveLabel(context.Background(), "sgkit-dev/sgkit", 5, "stale"); err != nil {
		t.Errorf("RemoveLabel() error = %v, want nil for missing label", err)
	}
}

func TestRemoveLabelEscapesName(t *testing.T) {
	var gotPath string
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := c.RemoveLabel(context.Background(), "sgkit-dev/sgkit", 5, "do not merge/yet"); err != nil {
		t.Fatalf("RemoveLabel() error = %v", err)
	}
	want := "/repos/sgkit-dev/sgkit/issues/5/labels/do%20not%20merge%2Fyet"
	if gotPath != want {
		t.Errorf("path = %s, want %s", gotPath, want)
	}
}

func TestCommentIdempotent(t *testing.T) {
	var posts int
	var existing []map[string]string

	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(existing)
		case http.MethodPost:
			posts++
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			existing = append(existing, body)
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	for i := 0; i < 3; i++ {
		if err := c.Comment(context.Background(), "sgkit-dev/sgkit", 5, "merge-conflict", "Please rebase."); err != nil {
			t.Fatalf("Comment() #%d error = %v", i, err)
		}
	}
	if posts != 1 {
		t.Errorf("posted %d comments, want 1 (same key must not repost)", posts)
	}
}

func TestAuthHeader(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]*bool{})
	}))
	defer srv.Close()

	if _, err := c.Mergeable(context.Background(), "sgkit-dev/sgkit", 5); err != nil {
		t.Fatalf("Mergeable() error = %v", err)
	}
}
