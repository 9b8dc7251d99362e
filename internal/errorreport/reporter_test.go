package errorreport

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("stream collapsed")

// telemetrySink captures batches sent to the telemetry endpoint.
type telemetrySink struct {
	mu      sync.Mutex
	batches [][]Entry
	auths   []string
}

func (s *telemetrySink) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/telemetry/errors" {
			http.NotFound(w, r)
			return
		}
		var payload struct {
			Errors []Entry `json:"errors"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.batches = append(s.batches, payload.Errors)
		s.auths = append(s.auths, r.Header.Get("Authorization"))
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
}

func (s *telemetrySink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *telemetrySink) waitForBatches(t *testing.T, n int) [][]Entry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.batchCount() >= n {
			s.mu.Lock()
			defer s.mu.Unlock()
			return append([][]Entry(nil), s.batches...)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("got %d batches, want %d", s.batchCount(), n)
	return nil
}

func TestNilReporterIsNoOp(t *testing.T) {
	var r *Reporter
	r.Start()
	r.SetCredential("tok")
	r.Report(Entry{Message: "dropped"})
	r.ReportError(nil, "test", "", "", nil)
	r.ReportWarn("dropped", "test", "", "", nil)
	r.Shutdown()
}

func TestBatchThresholdTriggersFlush(t *testing.T) {
	sink := &telemetrySink{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	r := New(srv.URL, Config{MaxBatchSize: 2, FlushInterval: time.Hour})
	r.SetCredential("telemetry-token")

	r.Report(Entry{Level: "error", Message: "first", Source: "test"})
	if sink.batchCount() != 0 {
		t.Fatal("flush fired below the batch threshold")
	}
	r.Report(Entry{Level: "error", Message: "second", Source: "test"})

	batches := sink.waitForBatches(t, 1)
	if len(batches[0]) != 2 {
		t.Fatalf("batch size = %d, want 2", len(batches[0]))
	}
	if batches[0][0].Message != "first" || batches[0][1].Message != "second" {
		t.Errorf("batch = %+v, want entries in report order", batches[0])
	}
	if batches[0][0].Timestamp == "" {
		t.Error("expected the reporter to stamp entries without a timestamp")
	}
	sink.mu.Lock()
	auth := sink.auths[0]
	sink.mu.Unlock()
	if auth != "Bearer telemetry-token" {
		t.Errorf("authorization = %q, want the bearer credential", auth)
	}
}

func TestShutdownFlushesRemainder(t *testing.T) {
	sink := &telemetrySink{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	r := New(srv.URL, Config{MaxBatchSize: 10, FlushInterval: time.Hour})
	r.Start()
	r.ReportError(errTest, "driver", "s1", "ex1", map[string]interface{}{"path": "a.go"})
	r.Shutdown()

	batches := sink.waitForBatches(t, 1)
	if len(batches[0]) != 1 {
		t.Fatalf("batch size = %d, want 1", len(batches[0]))
	}
	entry := batches[0][0]
	if entry.Level != "error" || entry.Message != errTest.Error() {
		t.Errorf("entry = %+v, want the reported error", entry)
	}
	if entry.SessionID != "s1" || entry.ExchangeID != "ex1" {
		t.Errorf("entry ids = %q/%q, want s1/ex1", entry.SessionID, entry.ExchangeID)
	}
}

func TestQueueFullDropsNewEntries(t *testing.T) {
	sink := &telemetrySink{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	r := New(srv.URL, Config{MaxBatchSize: 100, MaxQueueSize: 2, FlushInterval: time.Hour})
	r.Report(Entry{Message: "one"})
	r.Report(Entry{Message: "two"})
	r.Report(Entry{Message: "overflow"})
	r.Start()
	r.Shutdown()

	batches := sink.waitForBatches(t, 1)
	if len(batches[0]) != 2 {
		t.Fatalf("batch size = %d, want the queue cap of 2", len(batches[0]))
	}
	for _, e := range batches[0] {
		if e.Message == "overflow" {
			t.Error("overflow entry should have been dropped")
		}
	}
}
