package sync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

func singleRoute(url string, link RouteLink) *RouteManager {
	return NewRouteManager([]SyncRoute{
		{Name: "test", URL: url, Link: link, Timeout: 5, Priority: 1},
	}, time.Hour)
}

// acceptAllHandler decodes a push body, inflating gzip, and accepts every
// mutation in it.
func acceptAllHandler(t *testing.T, sawEncoding *atomic.Value) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sawEncoding.Store(r.Header.Get("Content-Encoding"))

		reader := io.Reader(r.Body)
		if r.Header.Get("Content-Encoding") == "gzip" {
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				t.Errorf("Failed to open gzip body: %v", err)
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			defer zr.Close()
			reader = zr
		}

		var req PushRequest
		if err := json.NewDecoder(reader).Decode(&req); err != nil {
			t.Errorf("Failed to decode push body: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resp := PushResponse{Accepted: make([]string, 0, len(req.Mutations)), Rejected: []RejectedMutation{}}
		for _, m := range req.Mutations {
			resp.Accepted = append(resp.Accepted, m.MutationID)
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func TestTransport_MeteredExchangeCompresses(t *testing.T) {
	var sawEncoding atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/sync/push", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer device-token" {
			t.Errorf("Missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Device-ID") != "device_a" {
			t.Errorf("Missing device header, got %q", r.Header.Get("X-Device-ID"))
		}
		acceptAllHandler(t, &sawEncoding)(w, r)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	tr := NewTransport(singleRoute(server.URL, LinkMetered), "device_a", 5*time.Second)
	tr.SetToken("device-token")

	// Repetitive clinical text, the kind gzip earns its keep on
	note := strings.Repeat("patient stable, continue current plan. ", 50)
	resp, stats, err := tr.Exchange(context.Background(), []WireMutation{{
		MutationID:    "mut-1",
		EntityID:      "patient-1-notes",
		Op:            "update",
		Fields:        FieldMap{"care_notes": json.RawMessage(`"` + note + `"`)},
		VersionVector: VersionVector{"device_a": 1},
		Origin:        "device_a",
	}})
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if len(resp.Accepted) != 1 || resp.Accepted[0] != "mut-1" {
		t.Errorf("Expected mut-1 accepted, got %+v", resp)
	}
	if !stats.Compressed || stats.Connectivity != ConnectivityMetered {
		t.Errorf("Expected a compressed metered exchange, got %+v", stats)
	}
	if enc, _ := sawEncoding.Load().(string); enc != "gzip" {
		t.Errorf("Expected the server to see a gzip body, got %q", enc)
	}
	if stats.BytesSent == 0 || stats.BytesReceived == 0 {
		t.Errorf("Expected wire accounting, got %+v", stats)
	}
}

func TestTransport_UnmeteredExchangeStaysPlain(t *testing.T) {
	var sawEncoding atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/sync/push", acceptAllHandler(t, &sawEncoding))
	server := httptest.NewServer(mux)
	defer server.Close()

	tr := NewTransport(singleRoute(server.URL, LinkUnmetered), "device_a", 5*time.Second)
	note := strings.Repeat("patient stable, continue current plan. ", 50)
	_, stats, err := tr.Exchange(context.Background(), []WireMutation{{
		MutationID:    "mut-1",
		EntityID:      "patient-1-notes",
		Op:            "update",
		Fields:        FieldMap{"care_notes": json.RawMessage(`"` + note + `"`)},
		VersionVector: VersionVector{"device_a": 1},
		Origin:        "device_a",
	}})
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if stats.Compressed || stats.Connectivity != ConnectivityUnmetered {
		t.Errorf("Expected a plain unmetered exchange, got %+v", stats)
	}
	if enc, _ := sawEncoding.Load().(string); enc != "" {
		t.Errorf("Expected no Content-Encoding on an unmetered link, got %q", enc)
	}
}

func TestTransport_PullInflatesGzipResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/sync/pull", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("since") != "3" {
			t.Errorf("Expected checkpoint 3, got %q", r.URL.Query().Get("since"))
		}
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			t.Error("Metered pulls should advertise gzip support")
		}
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		json.NewEncoder(gz).Encode(PullResponse{
			Records: []RecordSnapshot{{
				EntityID:      "patient-1-meds",
				Fields:        FieldMap{"name": json.RawMessage(`"Metformin"`)},
				VersionVector: VersionVector{"central": 4},
			}},
			NextCheckpoint: "7",
		})
		gz.Close()
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	tr := NewTransport(singleRoute(server.URL, LinkMetered), "device_a", 5*time.Second)
	resp, stats, err := tr.Pull(context.Background(), "3")
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if resp.NextCheckpoint != "7" || len(resp.Records) != 1 {
		t.Fatalf("Expected 1 record up to checkpoint 7, got %+v", resp)
	}
	if resp.Records[0].EntityID != "patient-1-meds" || string(resp.Records[0].Fields["name"]) != `"Metformin"` {
		t.Errorf("Record survived compression badly: %+v", resp.Records[0])
	}
	if stats.BytesReceived == 0 {
		t.Error("Expected the compressed byte count recorded")
	}
}

func TestTransport_AuthErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/sync/push", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/sync/pull", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	tr := NewTransport(singleRoute(server.URL, LinkUnmetered), "device_a", 5*time.Second)

	_, _, err := tr.Exchange(context.Background(), nil)
	if !errors.Is(err, ErrAuthentication) {
		t.Errorf("Expected ErrAuthentication from a 401 push, got %v", err)
	}
	_, _, err = tr.Pull(context.Background(), "")
	if !errors.Is(err, ErrAuthentication) {
		t.Errorf("Expected ErrAuthentication from a 403 pull, got %v", err)
	}
}

func TestTransport_ServerErrorsAreTransient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/sync/push", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database unavailable", http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	tr := NewTransport(singleRoute(server.URL, LinkUnmetered), "device_a", 5*time.Second)
	_, _, err := tr.Exchange(context.Background(), nil)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("Expected a transient error from a 500, got %v", err)
	}
	var te *TransientError
	if !errors.As(err, &te) || te.Op != "push" {
		t.Errorf("Expected the failing operation named, got %v", err)
	}
}

func TestTransport_OfflineRefusesExchange(t *testing.T) {
	// No routes configured at all
	tr := NewTransport(NewRouteManager(nil, time.Hour), "device_a", 5*time.Second)
	if _, _, err := tr.Exchange(context.Background(), nil); !errors.Is(err, ErrOffline) {
		t.Errorf("Expected ErrOffline with no routes, got %v", err)
	}
	if _, _, err := tr.Pull(context.Background(), ""); !errors.Is(err, ErrOffline) {
		t.Errorf("Expected ErrOffline with no routes, got %v", err)
	}

	// A configured route whose server is gone fails the probe the same way
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()
	tr = NewTransport(singleRoute(url, LinkUnmetered), "device_a", 5*time.Second)
	if _, _, err := tr.Exchange(context.Background(), nil); !errors.Is(err, ErrOffline) {
		t.Errorf("Expected ErrOffline with a dead route, got %v", err)
	}
}

func TestTransport_SingleExchangeAtATime(t *testing.T) {
	var sawEncoding atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/sync/push", acceptAllHandler(t, &sawEncoding))
	server := httptest.NewServer(mux)
	defer server.Close()

	tr := NewTransport(singleRoute(server.URL, LinkUnmetered), "device_a", 5*time.Second)

	// Hold the exchange slot the way a running push does
	if err := tr.begin(); err != nil {
		t.Fatalf("Failed to reserve the exchange: %v", err)
	}
	if _, _, err := tr.Exchange(context.Background(), nil); !errors.Is(err, ErrExchangeInFlight) {
		t.Errorf("Expected ErrExchangeInFlight, got %v", err)
	}
	if _, _, err := tr.Pull(context.Background(), ""); !errors.Is(err, ErrExchangeInFlight) {
		t.Errorf("Expected ErrExchangeInFlight, got %v", err)
	}
	tr.end()

	if _, _, err := tr.Exchange(context.Background(), nil); err != nil {
		t.Errorf("Expected the freed transport to exchange, got %v", err)
	}
}
