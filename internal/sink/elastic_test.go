package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// bulkServer answers Elasticsearch _bulk requests, recording the action and
// document lines it receives.
type bulkServer struct {
	mu      sync.Mutex
	actions []map[string]map[string]any
	docs    []Document
	reject  bool
}

func (b *bulkServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/_bulk") {
		http.NotFound(w, r)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sc := bufio.NewScanner(r.Body)
	var items []map[string]any
	for sc.Scan() {
		var action map[string]map[string]any
		if err := json.Unmarshal(sc.Bytes(), &action); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !sc.Scan() {
			http.Error(w, "missing document line", http.StatusBadRequest)
			return
		}
		var doc Document
		if err := json.Unmarshal(sc.Bytes(), &doc); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.actions = append(b.actions, action)
		b.docs = append(b.docs, doc)

		item := map[string]any{"_index": action["create"]["_index"], "_id": "x", "status": 201}
		if b.reject {
			item["status"] = 400
			item["error"] = map[string]any{"type": "mapper_parsing_exception", "reason": "failed to parse"}
		}
		items = append(items, map[string]any{"create": item})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"took":   1,
		"errors": b.reject,
		"items":  items,
	})
}

func TestElasticExport(t *testing.T) {
	bs := &bulkServer{}
	srv := httptest.NewServer(bs)
	defer srv.Close()

	s, err := NewElastic(srv.URL, "logs-", false, testRes, quietLogger())
	if err != nil {
		t.Fatalf("NewElastic: %v", err)
	}
	defer s.Shutdown(context.Background())

	if err := s.Export(context.Background(), sampleEntries()); err != nil {
		t.Fatalf("Export: %v", err)
	}

	if len(bs.docs) != 2 {
		t.Fatalf("indexed %d documents, want 2", len(bs.docs))
	}
	create, ok := bs.actions[0]["create"]
	if !ok {
		t.Fatalf("action = %v, want create", bs.actions[0])
	}
	if create["_index"] != "logs-2023-10-27" {
		t.Errorf("index = %v, want logs-2023-10-27", create["_index"])
	}
	if bs.docs[0].Message != "Something went wrong" || bs.docs[0].Level != "ERROR" {
		t.Errorf("document = %+v", bs.docs[0])
	}
}

func TestElasticRejectedDocuments(t *testing.T) {
	bs := &bulkServer{reject: true}
	srv := httptest.NewServer(bs)
	defer srv.Close()

	s, err := NewElastic(srv.URL, "logs-", false, testRes, quietLogger())
	if err != nil {
		t.Fatalf("NewElastic: %v", err)
	}
	defer s.Shutdown(context.Background())

	err = s.Export(context.Background(), sampleEntries())
	if err == nil {
		t.Fatal("expected error when documents are rejected")
	}
	if !strings.Contains(err.Error(), "2 of 2") {
		t.Errorf("error = %v", err)
	}
}

func TestElasticEmptyBatch(t *testing.T) {
	s, err := NewElastic("http://127.0.0.1:1", "logs-", false, testRes, quietLogger())
	if err != nil {
		t.Fatalf("NewElastic: %v", err)
	}
	if err := s.Export(context.Background(), nil); err != nil {
		t.Errorf("empty batch should be a no-op: %v", err)
	}
}
