package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPBackendDispatchSuccess(t *testing.T) {
	var gotPath, gotAuth string
	var gotReq wireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(wireResult{
			Version:      3,
			Payload:      json.RawMessage(`{"title":"stored"}`),
			LastModified: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		})
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, "secret-key", srv.Client())
	r := NewRegistry()
	b.RegisterAll(r, "task")

	d, err := r.Lookup("task", "update")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	res, err := d.Dispatch(context.Background(), Request{EntityID: "t1", Payload: []byte(`{"title":"x"}`), BaseVersion: 2})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Status != StatusSuccess || res.Version != 3 {
		t.Errorf("result = %+v, want success version 3", res)
	}
	if gotPath != "/sync/task/update" {
		t.Errorf("path = %s, want /sync/task/update", gotPath)
	}
	if gotAuth != "Bearer secret-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotReq.EntityID != "t1" || gotReq.BaseVersion != 2 {
		t.Errorf("wire request = %+v", gotReq)
	}
}

func TestHTTPBackendConflictCarriesSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(wireResult{Version: 7, Payload: json.RawMessage(`{"v":"remote"}`)})
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, "", srv.Client())
	res, err := b.dispatch(context.Background(), srv.URL+"/sync/task/update", Request{EntityID: "t1", BaseVersion: 5})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Status != StatusConflict || res.Version != 7 || string(res.Payload) != `{"v":"remote"}` {
		t.Errorf("result = %+v, want conflict snapshot at version 7", res)
	}
}

func TestHTTPBackendServerErrorIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, "", srv.Client())
	res, err := b.dispatch(context.Background(), srv.URL+"/sync/task/create", Request{EntityID: "t1"})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if res.Status != StatusFailure {
		t.Errorf("status = %s, want failure", res.Status)
	}
}

func TestHTTPBackendUnreachableIsFailure(t *testing.T) {
	b := NewHTTPBackend("http://127.0.0.1:1", "", &http.Client{Timeout: time.Second})
	res, err := b.dispatch(context.Background(), "http://127.0.0.1:1/sync/task/create", Request{EntityID: "t1"})
	if err == nil {
		t.Fatal("expected error for unreachable server")
	}
	if res.Status != StatusFailure {
		t.Errorf("status = %s, want failure", res.Status)
	}
}
