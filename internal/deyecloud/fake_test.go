package deyecloud

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// status makes a fake handler answer with a bare HTTP status.
type status int

type handlerFunc func(r *http.Request, body map[string]any) any

// fakeAPI is an in-memory Deye Cloud API speaking the v1 dialect.
type fakeAPI struct {
	srv *httptest.Server

	mu       sync.Mutex
	token    string
	handlers map[string]handlerFunc
	calls    map[string]int
	bodies   map[string][]map[string]any
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{
		token:    "token-1",
		handlers: make(map[string]handlerFunc),
		calls:    make(map[string]int),
		bodies:   make(map[string][]map[string]any),
	}
	f.handlers[tokenPath] = func(*http.Request, map[string]any) any {
		f.mu.Lock()
		defer f.mu.Unlock()
		return ok(map[string]any{"accessToken": f.token, "expiresIn": 3600})
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serveHTTP))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) serveHTTP(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{}
	if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
		_ = json.Unmarshal(raw, &body)
	}

	f.mu.Lock()
	f.calls[r.URL.Path]++
	f.bodies[r.URL.Path] = append(f.bodies[r.URL.Path], body)
	h, found := f.handlers[r.URL.Path]
	f.mu.Unlock()

	if !found {
		http.NotFound(w, r)
		return
	}
	switch resp := h(r, body).(type) {
	case status:
		w.WriteHeader(int(resp))
	case string:
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, resp)
	default:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func (f *fakeAPI) handle(path string, h handlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[path] = h
}

func (f *fakeAPI) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeAPI) lastBody(path string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bodies[path]
	if len(b) == 0 {
		return nil
	}
	return b[len(b)-1]
}

func (f *fakeAPI) setToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func (f *fakeAPI) client(opts ...Option) *Client {
	creds := Credentials{AppID: "app", AppSecret: "secret", Email: "user@example.com", Password: "hunter2"}
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	return NewClient(f.srv.URL, creds, opts...)
}

func ok(data any) map[string]any {
	return map[string]any{"code": "1000000", "msg": "success", "success": true, "data": data}
}

func apiFailure(code any, msg string) map[string]any {
	return map[string]any{"code": code, "msg": msg, "success": false}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
