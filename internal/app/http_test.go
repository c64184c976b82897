package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"songbook/api/internal/auth"
	"songbook/api/internal/store"
)

func newTestServer(fs *fakeStore) *httptest.Server {
	svc := newTestService(fs)
	return httptest.NewServer(NewHTTPServer(svc, "*").Handler())
}

func issueTestToken(t *testing.T, userID, name string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:  userID,
		Name: name,
		JTI:  "jti-test",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestHealthRoute(t *testing.T) {
	server := newTestServer(&fakeStore{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestCreateSongRequiresAuth(t *testing.T) {
	server := newTestServer(&fakeStore{})
	defer server.Close()

	resp, err := http.Post(server.URL+"/api/songs", "application/json", strings.NewReader(`{"title":"New Song"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["code"] != "NOT_AUTHENTICATED" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestHistoryRouteRequiresSession(t *testing.T) {
	server := newTestServer(&fakeStore{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/songs/sng_1/history")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestGetSongRoute(t *testing.T) {
	fs := &fakeStore{
		getSongFn: func(_ context.Context, id string) (store.Song, error) {
			song := personalSong()
			song.ID = id
			return song, nil
		},
	}
	server := newTestServer(fs)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/songs/sng_1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["title"] != "Amazing Grace" {
		t.Errorf("title = %v", body["title"])
	}
	owner, ok := body["owner"].(map[string]any)
	if !ok || owner["type"] != "none" {
		t.Errorf("owner = %v", body["owner"])
	}
	// The fake store has no user rows, so the display owner degrades to
	// the sentinel instead of failing the request.
	if owner["name"] != "Unknown" {
		t.Errorf("owner name = %v, want Unknown", owner["name"])
	}
}

func TestGetUnknownSongReturnsNotFound(t *testing.T) {
	server := newTestServer(&fakeStore{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/songs/sng_missing")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["code"] != "NOT_FOUND" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestRollbackRouteValidatesVersion(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(context.Context, string) (store.User, error) {
			return store.User{ID: "usr_creator", Username: "creator", IsEmailVerified: true}, nil
		},
	}
	server := newTestServer(fs)
	defer server.Close()

	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/songs/sng_1/rollback", strings.NewReader(`{"version":0}`))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, "usr_creator", "creator"))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestTransferRouteMapsInvalidState(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(context.Context, string) (store.User, error) {
			return store.User{ID: "usr_creator", Username: "creator", IsEmailVerified: true}, nil
		},
		getSongFn:           func(context.Context, string) (store.Song, error) { return communitySong(), nil },
		getCommunityGroupFn: communityGroupFn,
	}
	server := newTestServer(fs)
	defer server.Close()

	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/songs/sng_1/transfer", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, "usr_creator", "creator"))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["code"] != "INVALID_STATE" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestSessionEndpointWithoutToken(t *testing.T) {
	server := newTestServer(&fakeStore{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/session")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["authenticated"] != false {
		t.Errorf("authenticated = %v", body["authenticated"])
	}
}
