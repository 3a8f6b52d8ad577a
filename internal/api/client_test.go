package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClient_ErrorIncludesBody(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"error":"nope"}`))
	}))
	defer s.Close()

	c := NewClient(s.URL)
	_, err := c.RegisterServer(context.Background(), RegisterServerRequest{PublicIP: "203.0.113.1"})
	if err == nil {
		t.Fatalf("expected error")
	}
	got := err.Error()
	if got == "" || got[len(got)-1] == '\n' {
		t.Fatalf("unexpected error string: %q", got)
	}
	if want := "400"; !strings.Contains(got, want) {
		t.Fatalf("error missing status: %q", got)
	}
	if want := `"error":"nope"`; !strings.Contains(got, want) {
		t.Fatalf("error missing body: %q", got)
	}

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %T", err)
	}
	if se.StatusCode != http.StatusBadRequest || se.Reason != "nope" {
		t.Fatalf("status=%d reason=%q", se.StatusCode, se.Reason)
	}
}

func TestClient_AllocateSendsQuery(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/allocate" {
			t.Errorf("path=%s", r.URL.Path)
		}
		if got := r.URL.Query().Get("ip"); got != "203.0.113.1" {
			t.Errorf("ip=%q", got)
		}
		if got := r.URL.Query().Get("holder"); got != "me" {
			t.Errorf("holder=%q", got)
		}
		_ = json.NewEncoder(w).Encode(AllocateResponse{
			Response:   Response{Success: true},
			InternalIP: "10.8.0.10",
			Config:     "[Interface]\n",
		})
	}))
	defer s.Close()

	resp, err := NewClient(s.URL+"/").Allocate(context.Background(), "203.0.113.1", "me")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !resp.Success || resp.InternalIP != "10.8.0.10" {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestClient_DeleteServerQuery(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("delete") != "true" || q.Get("port") != "51821" || q.Get("ip") != "203.0.113.2" {
			t.Errorf("query=%s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(ReleaseAllResponse{
			Response: Response{Success: true},
			Deleted:  &DeletedServer{ServerIP: "203.0.113.2", Port: 51821, KeysDeleted: 3},
		})
	}))
	defer s.Close()

	resp, err := NewClient(s.URL).DeleteServer(context.Background(), "203.0.113.2", 51821)
	if err != nil {
		t.Fatalf("DeleteServer: %v", err)
	}
	if resp.Deleted == nil || resp.Deleted.KeysDeleted != 3 {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestClient_HeartbeatOmitsEmptyCounters(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if _, ok := body["rx_bytes"]; ok {
			t.Errorf("unexpected rx_bytes in %v", body)
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer s.Close()

	if err := NewClient(s.URL).Heartbeat(context.Background(), HeartbeatRequest{PublicIP: "203.0.113.3"}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
}
