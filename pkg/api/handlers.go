// Package api exposes the pipeline over plain HTTP: history queries, the
// live notification stream, sample ingest for external producers, and a QR
// locator. Routing stays on net/http so handlers read top to bottom.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"safetrack/pkg/database"
	"safetrack/pkg/notification"
	"safetrack/pkg/notifystream"
	"safetrack/pkg/sampler"
)

// Handler wires the store, the event bus, and the scheduler health probe so
// HTTP routes stay small and focused on translating requests.
type Handler struct {
	DB        *database.Database
	DBType    string
	Bus       *notifystream.Bus
	Sampler   *sampler.Sampler
	Limiter   *IngestLimiter
	PublicURL string // base URL embedded in QR locators, e.g. "https://ops.example.org"
	Logf      func(string, ...any)
}

// NewHandler constructs a Handler with sane defaults.
// Logf is optional; pass nil if logging is not required.
func NewHandler(db *database.Database, dbType string, bus *notifystream.Bus, smp *sampler.Sampler, limiter *IngestLimiter, publicURL string, logf func(string, ...any)) *Handler {
	return &Handler{DB: db, DBType: dbType, Bus: bus, Sampler: smp, Limiter: limiter, PublicURL: publicURL, Logf: logf}
}

// Register attaches API routes to the provided mux. Kept tiny and
// declarative: it simply wires URLs to helpers.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api", h.handleOverview)
	mux.HandleFunc("/api/nodes", h.handleNodes)
	mux.HandleFunc("/api/nodes/", h.handleNodeHistory)
	mux.HandleFunc("/api/notifications", h.handleNotifications)
	mux.HandleFunc("/api/stream", h.handleStream)
	mux.HandleFunc("/api/samples", h.handleIngest)
	mux.HandleFunc("/api/qr", h.handleQR)
}

func (h *Handler) logf(format string, args ...any) {
	if h.Logf != nil {
		h.Logf(format, args...)
	}
}

// viewerFor resolves HTTP basic auth into a viewer context. Absent or wrong
// credentials yield an unprivileged viewer with an empty allow-list, which
// sees event existence but no coordinates.
func (h *Handler) viewerFor(r *http.Request) notification.Viewer {
	name, pass, ok := r.BasicAuth()
	if !ok {
		return notification.NewViewer(false, nil)
	}
	u, authed, err := h.DB.AuthenticateUser(r.Context(), name, pass, h.DBType)
	if err != nil {
		h.logf("viewer auth error for %q: %v", name, err)
		return notification.NewViewer(false, nil)
	}
	if !authed {
		return notification.NewViewer(false, nil)
	}
	return notification.NewViewer(u.IsAdmin, u.AuthorizedNodes)
}

// clientIP strips the port from RemoteAddr for the ingest limiter.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleOverview publishes machine-readable docs plus the scheduler health
// flag so operators and developers see both in one call.
func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	notifs, err := h.DB.ListNotifications(r.Context())
	if err != nil {
		http.Error(w, "list notifications", http.StatusInternalServerError)
		return
	}

	healthy := true
	if h.Sampler != nil {
		healthy = h.Sampler.Healthy(r.Context())
	}

	overview := struct {
		Healthy            bool           `json:"healthy"`
		TotalNotifications int            `json:"totalNotifications"`
		Endpoints          map[string]any `json:"endpoints"`
	}{
		Healthy:            healthy,
		TotalNotifications: len(notifs),
		Endpoints: map[string]any{
			"nodes": map[string]any{
				"method":      "GET",
				"path":        "/api/nodes",
				"description": "Latest sample per node, limited to nodes visible to the caller.",
			},
			"nodeHistory": map[string]any{
				"method":      "GET",
				"path":        "/api/nodes/{id}",
				"description": "Full sample history of one node, newest first.",
			},
			"notifications": map[string]any{
				"method":      "GET",
				"path":        "/api/notifications",
				"query":       []string{"category"},
				"description": "Full notification history, coordinates redacted per caller.",
			},
			"stream": map[string]any{
				"method":      "GET",
				"path":        "/api/stream",
				"description": "Server-sent events with live notifications, redacted per caller.",
			},
			"ingest": map[string]any{
				"method":      "POST",
				"path":        "/api/samples",
				"description": "Append node samples: one {time?, nodeID, lat, lon, status} object or an array of them.",
			},
			"qr": map[string]any{
				"method":      "GET",
				"path":        "/api/qr",
				"query":       []string{"node"},
				"description": "PNG QR code linking to a node's history.",
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(overview)
}

// handleNodes returns the latest snapshot filtered to the caller's allow-list,
// sorted ascending by node id so output stays stable.
func (h *Handler) handleNodes(w http.ResponseWriter, r *http.Request) {
	viewer := h.viewerFor(r)
	snap, err := h.DB.LatestSnapshot(r.Context(), h.DBType, h.Logf)
	if err != nil {
		http.Error(w, "latest snapshot", http.StatusInternalServerError)
		return
	}

	out := make([]database.NodeSample, 0, len(snap))
	for id, s := range snap {
		if viewer.CanSee(id) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// handleNodeHistory streams one node's full history. Coordinates of nodes
// outside the caller's allow-list are not served at all here; unlike
// notifications there is no partial projection of a raw sample.
func (h *Handler) handleNodeHistory(w http.ResponseWriter, r *http.Request) {
	idText := strings.TrimPrefix(r.URL.Path, "/api/nodes/")
	nodeID, err := strconv.ParseInt(idText, 10, 64)
	if err != nil || nodeID <= 0 {
		http.Error(w, "bad node id", http.StatusBadRequest)
		return
	}

	if !h.viewerFor(r).CanSee(nodeID) {
		http.Error(w, "node not visible", http.StatusForbidden)
		return
	}

	history, err := h.DB.NodeHistory(r.Context(), nodeID, h.DBType)
	if err != nil {
		http.Error(w, "node history", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(history)
}

// handleNotifications serves the full history with read-time redaction.
// Category filtering is offered as a convenience; it happens after redaction
// and never changes what is stored.
func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	viewer := h.viewerFor(r)
	category := strings.TrimSpace(r.URL.Query().Get("category"))

	notifs, err := h.DB.ListNotifications(r.Context())
	if err != nil {
		http.Error(w, "list notifications", http.StatusInternalServerError)
		return
	}

	out := make([]database.Notification, 0, len(notifs))
	for _, n := range notifs {
		if category != "" && !strings.EqualFold(n.Category, category) {
			continue
		}
		out = append(out, notification.Redact(n, viewer, h.Logf))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// handleStream delivers live notifications via Server-Sent Events. The bus
// applies per-viewer redaction before events reach this channel; a slow
// client only loses its own deliveries.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	events := h.Bus.Subscribe(ctx, h.viewerFor(r), 32)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	fmt.Fprint(w, "event: ready\ndata: ok\n\n")
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-events:
			if !ok {
				fmt.Fprint(w, "event: done\ndata: end\n\n")
				flusher.Flush()
				return
			}
			b, _ := json.Marshal(n)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
	}
}

// ingestPayload is the external producer's wire format. Time is optional;
// missing timestamps are stamped on arrival, matching the serial transport's
// behaviour of timestamping packets at the receiver.
type ingestPayload struct {
	Time   int64   `json:"time"`
	NodeID int64   `json:"nodeID"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Status string  `json:"status"`
}

func (p ingestPayload) valid() bool {
	return p.NodeID > 0 && p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180 && strings.TrimSpace(p.Status) != ""
}

func (p ingestPayload) sample(now int64) database.NodeSample {
	if p.Time == 0 {
		p.Time = now
	}
	return database.NodeSample{
		Time:   p.Time,
		NodeID: p.NodeID,
		Lat:    p.Lat,
		Lon:    p.Lon,
		Status: strings.TrimSpace(p.Status),
	}
}

// handleIngest appends samples: a JSON object for one sample or a JSON array
// for a batch. Rate-limited per source IP so a chatty producer cannot flood
// the store faster than the poll interval can digest.
func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if !h.Limiter.Allow(clientIP(r)) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bad sample payload", http.StatusBadRequest)
		return
	}
	body = bytes.TrimSpace(body)

	var payloads []ingestPayload
	if len(body) > 0 && body[0] == '[' {
		if err := json.Unmarshal(body, &payloads); err != nil || len(payloads) == 0 {
			http.Error(w, "bad sample payload", http.StatusBadRequest)
			return
		}
	} else {
		var p ingestPayload
		if err := json.Unmarshal(body, &p); err != nil {
			http.Error(w, "bad sample payload", http.StatusBadRequest)
			return
		}
		payloads = []ingestPayload{p}
	}

	now := time.Now().Unix()
	batch := make([]database.NodeSample, 0, len(payloads))
	for _, p := range payloads {
		if !p.valid() {
			http.Error(w, "bad sample values", http.StatusBadRequest)
			return
		}
		batch = append(batch, p.sample(now))
	}

	ids, err := h.DB.InsertNodeSamples(r.Context(), batch, h.DBType)
	if err != nil {
		h.logf("ingest insert error: %v", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string][]int64{"ids": ids})
}

// handleQR renders a QR code pointing at a node's history page so field crews
// can pass a locator around without typing URLs.
func (h *Handler) handleQR(w http.ResponseWriter, r *http.Request) {
	nodeID, err := strconv.ParseInt(r.URL.Query().Get("node"), 10, 64)
	if err != nil || nodeID <= 0 {
		http.Error(w, "bad node id", http.StatusBadRequest)
		return
	}

	base := strings.TrimRight(h.PublicURL, "/")
	if base == "" {
		base = "http://" + r.Host
	}
	target := fmt.Sprintf("%s/api/nodes/%d", base, nodeID)

	png, err := qrcode.Encode(target, qrcode.Medium, 256)
	if err != nil {
		http.Error(w, "qr encode", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}
