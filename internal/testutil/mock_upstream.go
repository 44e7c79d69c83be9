// Package testutil provides a mock upstream video API for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines a canned response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockUpstream is a configurable mock of the upstream API.
type MockUpstream struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	requestCount      int
	conditionalCount  int
	requestURIs       []string
	lastRequestHeader http.Header
}

// NewMockUpstream starts a mock upstream server.
func NewMockUpstream() *MockUpstream {
	mock := &MockUpstream{
		handlers: make(map[string]http.HandlerFunc),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.requestURIs = append(mock.requestURIs, r.URL.RequestURI())
		mock.lastRequestHeader = r.Header.Clone()
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			mock.conditionalCount++
		}
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"The requested page couldn't be found."}`))
	}))

	return mock
}

// URL returns the mock server base URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Client returns an HTTP client wired to the mock server.
func (m *MockUpstream) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.conditionalCount = 0
	m.requestURIs = nil
	m.lastRequestHeader = nil
}

// SetHandler sets a custom handler for a path.
func (m *MockUpstream) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockUpstream) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			select {
			case <-time.After(resp.Delay):
			case <-r.Context().Done():
				return
			}
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetPages serves a paginated listing at path. pages[i] is the list of item
// JSON objects of page i+1, selected with the "page" query parameter. Every
// page but the last links to the next with a host-relative paging.next.
func (m *MockUpstream) SetPages(path string, pages [][]string) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		n := 1
		if p := r.URL.Query().Get("page"); p != "" {
			var err error
			if n, err = strconv.Atoi(p); err != nil || n < 1 || n > len(pages) {
				w.WriteHeader(http.StatusNotFound)
				return
			}
		}

		data := make([]json.RawMessage, 0, len(pages[n-1]))
		for _, item := range pages[n-1] {
			data = append(data, json.RawMessage(item))
		}

		var next *string
		if n < len(pages) {
			link := fmt.Sprintf("%s?page=%d", path, n+1)
			next = &link
		}

		body, _ := json.Marshal(map[string]any{
			"total":    countItems(pages),
			"page":     n,
			"per_page": len(pages[0]),
			"data":     data,
			"paging":   map[string]any{"next": next},
		})

		w.Header().Set("Content-Type", "application/vnd.vimeo.video+json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	})
}

// GetRequestCount returns the number of requests received.
func (m *MockUpstream) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// GetConditionalCount returns the number of conditional requests received.
func (m *MockUpstream) GetConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conditionalCount
}

// GetRequestURIs returns the request URIs in arrival order.
func (m *MockUpstream) GetRequestURIs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.requestURIs...)
}

// GetLastRequestHeader returns the headers of the most recent request.
func (m *MockUpstream) GetLastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequestHeader
}

func countItems(pages [][]string) int {
	total := 0
	for _, p := range pages {
		total += len(p)
	}
	return total
}

// NewJSONResponse creates a 200 OK JSON response.
func NewJSONResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"Content-Type": "application/vnd.vimeo.video+json",
		},
	}
}

// NewErrorResponse creates an error response in the upstream's error format.
func NewErrorResponse(status int, message string) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       fmt.Sprintf(`{"error":%q}`, message),
		Headers: map[string]string{
			"Content-Type": "application/vnd.vimeo.error+json",
		},
	}
}

// NewRateLimitedResponse creates a 200 response reporting a nearly spent
// rate limit window.
func NewRateLimitedResponse(body string, remaining int) MockResponse {
	resp := NewJSONResponse(body)
	resp.Headers["X-RateLimit-Limit"] = "500"
	resp.Headers["X-RateLimit-Remaining"] = strconv.Itoa(remaining)
	resp.Headers["X-RateLimit-Reset"] = time.Now().Add(time.Minute).UTC().Format(time.RFC3339)
	return resp
}

// NewConditionalHandler answers 304 when If-None-Match equals etag.
func NewConditionalHandler(etag string, data string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/vnd.vimeo.video+json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(data))
	}
}
