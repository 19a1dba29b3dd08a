// Package consoletest provides an in-process detection service for tests.
package consoletest

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ducanh19020217/fall-detection/internal/config"
	"github.com/ducanh19020217/fall-detection/internal/models"
)

const (
	Username = "admin"
	Password = "secret"
	Token    = "token-1"
)

// Backend mimics the detection service REST and websocket surface
type Backend struct {
	Server *httptest.Server

	mu        sync.Mutex
	sources   map[int]models.Source
	active    map[int]bool
	events    []models.DetectionEvent
	rejecting bool
	failStop  bool
	starts    []int
	stops     []int
	nightMode map[int]bool
	tgConfigs map[int]*models.TelegramConfig
	conns     map[*websocket.Conn]struct{}
}

// New starts a backend with sources 1..n. It is closed when the test ends.
func New(t testing.TB, n int) *Backend {
	t.Helper()

	b := &Backend{
		sources:   make(map[int]models.Source),
		active:    make(map[int]bool),
		nightMode: make(map[int]bool),
		tgConfigs: make(map[int]*models.TelegramConfig),
		conns:     make(map[*websocket.Conn]struct{}),
	}
	for id := 1; id <= n; id++ {
		b.sources[id] = models.Source{
			ID:        id,
			Name:      "camera-" + strconv.Itoa(id),
			SourceURL: "rtsp://10.0.0." + strconv.Itoa(id) + "/live",
			Type:      models.SourceTypeRTSP,
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /api/token", b.handleToken)
	mux.HandleFunc("GET /api/sources", b.authed(b.handleListSources))
	mux.HandleFunc("DELETE /api/sources/{id}", b.authed(b.handleDeleteSource))
	mux.HandleFunc("GET /api/pipeline/status", b.authed(b.handleStatus))
	mux.HandleFunc("POST /api/pipeline/start", b.authed(b.handleStart))
	mux.HandleFunc("POST /api/pipeline/stop", b.authed(b.handleStop))
	mux.HandleFunc("POST /api/pipeline/config", b.authed(b.handleConfig))
	mux.HandleFunc("GET /api/events", b.authed(b.handleEvents))
	mux.HandleFunc("GET /api/ws/stream/{id}", b.authed(b.handleStream))

	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

// Close disconnects every stream and stops the server
func (b *Backend) Close() {
	b.mu.Lock()
	for conn := range b.conns {
		conn.Close()
	}
	b.mu.Unlock()
	b.Server.Close()
}

// Config returns console settings pointing at the backend
func (b *Backend) Config(dataDir string) *config.Config {
	cfg := config.Default()
	cfg.Console.DataDir = dataDir
	cfg.Console.Backend.BaseURL = b.Server.URL
	cfg.Console.Backend.StreamURL = config.DeriveStreamURL(b.Server.URL)
	cfg.Console.Backend.RequestTimeout = 5 * time.Second
	cfg.Console.Streams.HandshakeTimeout = 2 * time.Second
	cfg.Console.Events.PollInterval = 50 * time.Millisecond
	cfg.Console.Probe.Duration = 100 * time.Millisecond
	cfg.Console.Probe.Timeout = time.Second
	return cfg
}

// SetActive marks sources as already being processed
func (b *Backend) SetActive(ids ...int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		b.active[id] = true
	}
}

// SetSourceType changes the type of a source
func (b *Backend) SetSourceType(id int, typ models.SourceType, url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	src := b.sources[id]
	src.Type = typ
	src.SourceURL = url
	b.sources[id] = src
}

// SetEvents replaces the recent events, newest first
func (b *Backend) SetEvents(events ...models.DetectionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = events
}

// RemoveSource deletes a source behind the console's back
func (b *Backend) RemoveSource(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sources, id)
}

// RejectCredentials makes every authenticated call answer 401
func (b *Backend) RejectCredentials(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejecting = on
}

// FailStop makes stop requests answer 500
func (b *Backend) FailStop(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failStop = on
}

// Starts returns the ids of every start request received
func (b *Backend) Starts() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.starts...)
}

// Stops returns the ids of every stop request received
func (b *Backend) Stops() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.stops...)
}

// Active returns the ids currently processed
func (b *Backend) Active() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeLocked()
}

// NightMode reports the last night mode set for a source
func (b *Backend) NightMode(id int) (on, set bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	on, set = b.nightMode[id]
	return on, set
}

// TelegramConfig returns the override sent with the last start of a source
func (b *Backend) TelegramConfig(id int) *models.TelegramConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tgConfigs[id]
}

func (b *Backend) activeLocked() []int {
	ids := make([]int, 0, len(b.active))
	for id := range b.active {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (b *Backend) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		rejecting := b.rejecting
		b.mu.Unlock()
		if rejecting || r.Header.Get("Authorization") != "Bearer "+Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Could not validate credentials"})
			return
		}
		next(w, r)
	}
}

func (b *Backend) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	if r.PostForm.Get("username") != Username || r.PostForm.Get("password") != Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Incorrect username or password"})
		return
	}
	writeJSON(w, http.StatusOK, models.TokenResponse{AccessToken: Token, TokenType: "bearer"})
}

func (b *Backend) handleListSources(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	out := make([]models.Source, 0, len(b.sources))
	for _, src := range b.sources {
		src.IsActive = b.active[src.ID]
		out = append(out, src)
	}
	b.mu.Unlock()

	// The catalog order is not meaningful
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(r.PathValue("id"))

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sources[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Source not found"})
		return
	}
	delete(b.sources, id)
	delete(b.active, id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (b *Backend) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.PipelineStatus{ActiveSourceIDs: b.Active()})
}

func (b *Backend) handleStart(w http.ResponseWriter, r *http.Request) {
	var req models.PipelineStart
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts = append(b.starts, req.SourceID)
	if _, ok := b.sources[req.SourceID]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Source not found"})
		return
	}
	b.active[req.SourceID] = true
	b.tgConfigs[req.SourceID] = req.TelegramConfig
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (b *Backend) handleStop(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(r.URL.Query().Get("source_id"))

	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops = append(b.stops, id)
	if b.failStop {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "pipeline crashed"})
		return
	}
	delete(b.active, id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (b *Backend) handleConfig(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(r.URL.Query().Get("source_id"))
	on, _ := strconv.ParseBool(r.URL.Query().Get("night_mode"))

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active[id] {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Pipeline not found"})
		return
	}
	b.nightMode[id] = on
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (b *Backend) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 50
	}

	b.mu.Lock()
	out := append([]models.DetectionEvent{}, b.events...)
	b.mu.Unlock()

	if len(out) > limit {
		out = out[:limit]
	}
	writeJSON(w, http.StatusOK, out)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (b *Backend) handleStream(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(r.PathValue("id"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	active := b.active[id]
	b.conns[conn] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		conn.Close()
	}()

	if !active {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Pipeline not active")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, JPEG(16, 12)); err != nil {
		return
	}
	detections, _ := json.Marshal(map[string]interface{}{
		"type": "events",
		"data": []map[string]interface{}{
			{"track_id": 1, "fall_score": 0.91, "is_fall": true, "timestamp": float64(time.Now().Unix()), "reason": "rapid descent"},
		},
	})
	if err := conn.WriteMessage(websocket.TextMessage, detections); err != nil {
		return
	}

	// Hold the stream open until the client leaves
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// JPEG encodes a solid test image
func JPEG(width, height int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, nil)
	return buf.Bytes()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
