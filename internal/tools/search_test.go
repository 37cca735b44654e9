package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

const sampleResultsPage = `<html><body>
<div class="result">
  <a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2F">The Go Programming Language</a>
  <a class="result__snippet">Go is an open source language.</a>
</div>
<div class="result">
  <a class="result__a" href="https://pkg.go.dev/">Go Packages</a>
  <a class="result__snippet">Package docs.</a>
</div>
<div class="result">
  <a class="result__a" href="">no href, skipped</a>
</div>
</body></html>`

func TestSearchParsesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("q") != "golang" {
			t.Errorf("query = %q", r.PostForm.Get("q"))
		}
		_, _ = w.Write([]byte(sampleResultsPage))
	}))
	defer srv.Close()

	ws := NewWebSearch(srv.Client())
	ws.endpoint = srv.URL

	results, err := ws.Search(context.Background(), "golang")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].URL != "https://go.dev/" {
		t.Fatalf("redirect not unwrapped: %q", results[0].URL)
	}
	if results[0].Title != "The Go Programming Language" || results[0].Snippet == "" {
		t.Fatalf("result = %+v", results[0])
	}
	if results[1].URL != "https://pkg.go.dev/" {
		t.Fatalf("plain url mangled: %q", results[1].URL)
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	ws := NewWebSearch(http.DefaultClient)
	if _, err := ws.Search(context.Background(), "  "); err == nil {
		t.Fatal("empty query accepted")
	}
}

func TestSearchSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	ws := NewWebSearch(srv.Client())
	ws.endpoint = srv.URL
	if _, err := ws.Search(context.Background(), "x"); err == nil {
		t.Fatal("403 not surfaced")
	}
}
