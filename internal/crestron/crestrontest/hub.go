// Package crestrontest provides an in-process fake Crestron hub for tests.
package crestrontest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"crestron-shades-backend/internal/model"
)

const (
	tokenHeader = "Crestron-RestAPI-AuthToken"
	keyHeader   = "Crestron-RestAPI-AuthKey"
)

// Hub is a fake hub serving the /cws/api surface over httptest.
type Hub struct {
	*httptest.Server

	mu sync.Mutex

	token        string
	key          string
	shades       map[int]model.Shade
	logins       int
	requests     map[string]int
	setStates    [][]model.Shade
	rejectKeys   int
	failures     int
	loginDelay   time.Duration
	envelope     bool
	setStateResp string
}

// NewHub starts a fake hub that accepts token and serves shades.
func NewHub(token string, shades ...model.Shade) *Hub {
	h := &Hub{
		token:    token,
		shades:   make(map[int]model.Shade),
		requests: make(map[string]int),
	}
	for _, s := range shades {
		h.shades[s.ID] = s
	}
	h.Server = httptest.NewServer(http.HandlerFunc(h.serve))
	return h
}

// HTTPClient returns a client that opens a fresh connection per request, so
// dropped connections surface as errors instead of being retried by the transport.
func (h *Hub) HTTPClient() *http.Client {
	return &http.Client{
		Timeout:   2 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
}

// SetToken changes the token the hub accepts and revokes the current key.
func (h *Hub) SetToken(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.token = token
	h.key = ""
}

// RejectKeys makes the next n key-authenticated requests fail with 401.
// A negative n rejects every request.
func (h *Hub) RejectKeys(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejectKeys = n
}

// FailRequests makes the next n requests fail with a dropped connection.
func (h *Hub) FailRequests(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = n
}

// SetLoginDelay delays every login response.
func (h *Hub) SetLoginDelay(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loginDelay = d
}

// UseEnvelope switches GET /shades between a bare array and {"shades": [...]}.
func (h *Hub) UseEnvelope(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.envelope = on
}

// SetStateStatus overrides the status returned by setstate.
func (h *Hub) SetStateStatus(status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setStateResp = status
}

// SetShade replaces the hub-side state of a shade.
func (h *Hub) SetShade(s model.Shade) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shades[s.ID] = s
}

// Shade returns the hub-side state of a shade.
func (h *Hub) Shade(id int) (model.Shade, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.shades[id]
	return s, ok
}

// Logins returns the number of login requests served.
func (h *Hub) Logins() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.logins
}

// Requests returns how often "METHOD /path" was requested.
func (h *Hub) Requests(methodPath string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests[methodPath]
}

// TotalRequests returns the number of requests of any kind.
func (h *Hub) TotalRequests() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, n := range h.requests {
		total += n
	}
	return total
}

// SetStates returns every shade list posted to setstate.
func (h *Hub) SetStates() [][]model.Shade {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]model.Shade, len(h.setStates))
	copy(out, h.setStates)
	return out
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.requests[r.Method+" "+r.URL.Path]++
	if h.failures > 0 {
		h.failures--
		h.mu.Unlock()
		hijackAndClose(w)
		return
	}
	h.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/cws/api")
	switch {
	case path == "/login" && r.Method == http.MethodGet:
		h.login(w, r)
	case path == "" || path == "/":
		h.ping(w, r)
	default:
		if !h.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h.route(w, r, path)
	}
}

func (h *Hub) login(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	delay := h.loginDelay
	h.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.logins++
	if r.Header.Get(tokenHeader) != h.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	h.key = fmt.Sprintf("key-%d", h.logins)
	writeJSON(w, map[string]string{"authkey": h.key})
}

func (h *Hub) ping(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	ok := r.Header.Get(tokenHeader) == h.token
	h.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]string{"version": "2.0"})
}

func (h *Hub) authorized(r *http.Request) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rejectKeys != 0 {
		if h.rejectKeys > 0 {
			h.rejectKeys--
		}
		return false
	}
	return h.key != "" && r.Header.Get(keyHeader) == h.key
}

func (h *Hub) route(w http.ResponseWriter, r *http.Request, path string) {
	switch {
	case path == "/shades" && r.Method == http.MethodGet:
		h.mu.Lock()
		shades := h.sortedLocked()
		envelope := h.envelope
		h.mu.Unlock()
		if envelope {
			writeJSON(w, map[string]any{"shades": shades})
			return
		}
		writeJSON(w, shades)

	case path == "/shades/setstate" && r.Method == http.MethodPost:
		var req struct {
			Shades []model.Shade `json:"shades"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		status := h.setStateResp
		if status == "" {
			status = "success"
			for _, s := range req.Shades {
				h.shades[s.ID] = s
			}
		}
		h.setStates = append(h.setStates, req.Shades)
		h.mu.Unlock()
		writeJSON(w, map[string]any{"status": status, "errorMessage": nil, "errorDevices": []any{}})

	case strings.HasPrefix(path, "/shades/") && r.Method == http.MethodGet:
		id, err := strconv.Atoi(strings.TrimPrefix(path, "/shades/"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		s, ok := h.shades[id]
		h.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"shades": []model.Shade{s}})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Hub) sortedLocked() []model.Shade {
	shades := make([]model.Shade, 0, len(h.shades))
	for _, s := range h.shades {
		shades = append(shades, s)
	}
	sort.Slice(shades, func(i, j int) bool { return shades[i].ID < shades[j].ID })
	return shades
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// hijackAndClose drops the connection without a response.
func hijackAndClose(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}
