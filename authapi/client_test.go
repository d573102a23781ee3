package authapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/m1ndvortex/tabsync/netretry"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	expires := time.Unix(1_700_003_600, 0).UTC()
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathLogin, func(w http.ResponseWriter, r *http.Request) {
		var creds Credentials
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds["password"] != "hunter2" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(SessionResponse{SessionID: "s1", UserID: creds["username"], Token: "tok", RefreshToken: "ref", ExpiresAt: expires})
	})
	mux.HandleFunc("POST "+PathRefresh, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["refreshToken"] != "ref" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(SessionResponse{SessionID: "s1", UserID: "u1", Token: "tok2", ExpiresAt: expires})
	})
	mux.HandleFunc("POST "+PathLogout, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST "+PathValidateSession, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(SessionResponse{SessionID: "s1", UserID: "u1", Token: "tok3", ExpiresAt: expires})
	})
	mux.HandleFunc("GET "+PathVerifySession, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLoginAndRefresh(t *testing.T) {
	c := New(newServer(t).URL)
	resp, err := c.Login(t.Context(), Credentials{"username": "u1", "password": "hunter2"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.Token != "tok" || resp.UserID != "u1" {
		t.Fatalf("unexpected login response: %+v", resp)
	}
	snap := resp.Snapshot("ctx-a", time.Unix(1_700_000_000, 0))
	if !snap.IsActive || snap.OriginContext != "ctx-a" || snap.SessionID != "s1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	refreshed, err := c.Refresh(t.Context(), resp.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.Token != "tok2" {
		t.Fatalf("refresh token = %s", refreshed.Token)
	}
}

func TestStatusErrors(t *testing.T) {
	c := New(newServer(t).URL)
	_, err := c.Login(t.Context(), Credentials{"username": "u1", "password": "nope"})
	var se *netretry.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 StatusError, got %v", err)
	}
	if err := c.VerifySession(t.Context(), "tok"); netretry.StatusCode(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401 from verify, got %v", err)
	}
	if err := c.Logout(t.Context(), "tok"); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := c.ValidateSession(t.Context(), "s1", "tok"); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestTransportErrorIsClassifiable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url)
	err := c.Logout(t.Context(), "tok")
	if err == nil {
		t.Fatal("expected transport error")
	}
	if netretry.StatusCode(err) != 0 {
		t.Fatal("transport errors carry no status")
	}
	if got := netretry.NewClassifier(nil).Classify(err); got != netretry.TypeConnectionFailed {
		t.Fatalf("classified as %s, want connection_failed", got)
	}
}
