package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// servicePrefix is the route under which every tool method is exposed.
const servicePrefix = "/engram.v1.MemoryService/"

// maxRequestBytes caps a request body read. Far above the memorize limit;
// anything larger is not a tool call.
const maxRequestBytes = 10 << 20

// shutdownTimeout bounds the drain when the context is cancelled.
const shutdownTimeout = 5 * time.Second

// HTTPServer exposes a Server over HTTP. Health and metrics routes are
// unauthenticated; tool methods sit under servicePrefix and require the
// bearer token when one is configured.
type HTTPServer struct {
	server *Server
	addr   string
	token  string
	log    *zap.Logger

	httpSrv *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewHTTPServer wraps server. token may be empty, disabling auth.
func NewHTTPServer(server *Server, addr, token string, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	h := &HTTPServer{server: server, addr: addr, token: token, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)
	mux.HandleFunc("/metrics", h.handleMetricsRoute)
	mux.HandleFunc(servicePrefix, h.handleService)

	h.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return h
}

// Handler returns the route tree, for tests driving the server through
// httptest without a listener.
func (h *HTTPServer) Handler() http.Handler { return h.httpSrv.Handler }

// Addr returns the bound address once Start has opened the listener.
func (h *HTTPServer) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return h.addr
	}
	return h.listener.Addr().String()
}

// Start serves until ctx is cancelled, then drains in-flight requests and
// returns ctx.Err().
func (h *HTTPServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.addr, err)
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- h.httpSrv.Serve(ln) }()

	h.log.Info("rpc server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("admin", h.server.Admin()),
		zap.Bool("auth", h.token != ""))

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := h.httpSrv.Shutdown(shutCtx); err != nil {
			h.log.Warn("shutdown did not drain cleanly", zap.Error(err))
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("serve %s: %w", h.addr, err)
	}
}

// methodToOperation maps service method names to operations. Admin methods
// are routable on every instance; a production server answers them with an
// unknown-operation error rather than a 404, which keeps probing noise out
// of transport logs.
var methodToOperation = map[string]string{
	"InitializeContext":     OpInitializeContext,
	"MemorizeContext":       OpMemorizeContext,
	"CheckIngestionStatus":  OpCheckIngestionStatus,
	"SearchMemory":          OpSearchMemory,
	"ListCategories":        OpListCategories,
	"ExploreTaxonomy":       OpExploreTaxonomy,
	"FetchDocument":         OpFetchDocument,
	"TraceHistory":          OpTraceHistory,
	"ConfirmMemoryValidity": OpConfirmMemoryValidity,
	"UpdateMemory":          OpUpdateMemory,
	"UpdateMemoryMetadata":  OpUpdateMemoryMetadata,
	"RecategorizeMemory":    OpRecategorizeMemory,
	"SetContext":            OpSetContext,
	"GetContext":            OpGetContext,
	"DeleteContext":         OpDeleteContext,
	"ListContextKeys":       OpListContextKeys,
	"ExtendContextTTL":      OpExtendContextTTL,
	"Ping":                  OpPing,
	"Health":                OpHealth,
	"Metrics":               OpMetrics,
	"DeleteMemory":          OpDeleteMemory,
	"BulkMoveCategory":      OpBulkMoveCategory,
	"PruneHistory":          OpPruneHistory,
	"ExportMemories":        OpExportMemories,
	"RunDiagnostics":        OpRunDiagnostics,
	"GetIngestionStats":     OpGetIngestionStats,
	"FlushStaging":          OpFlushStaging,
	"RebuildPrimer":         OpRebuildPrimer,
}

func (h *HTTPServer) handleService(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONStatus(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !h.authorized(r) {
		h.writeUnauthorized(w)
		return
	}

	method := strings.TrimPrefix(r.URL.Path, servicePrefix)
	operation, ok := methodToOperation[method]
	if !ok {
		writeJSONStatus(w, http.StatusNotFound, map[string]string{"error": "unknown method: " + method})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "could not read request body"})
		return
	}

	req := &Request{
		Operation: operation,
		Args:      body,
		Actor:     r.Header.Get("X-Engram-Actor"),
		RequestID: r.Header.Get("X-Request-ID"),
	}
	h.writeResult(w, h.server.HandleRequest(r.Context(), req))
}

// writeResult unwraps the dispatch envelope onto the wire: tool results and
// tool errors both travel as 200s, since a failed tool call is still a
// successful transport exchange.
func (h *HTTPServer) writeResult(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Success {
		w.WriteHeader(http.StatusOK)
		w.Write(resp.Data)
		return
	}
	writeJSONStatus(w, http.StatusOK, struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}{false, resp.Error})
}

func (h *HTTPServer) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	supplied := strings.TrimPrefix(auth, prefix)
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(h.token)) == 1
}

func (h *HTTPServer) writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSONStatus(w, http.StatusUnauthorized, map[string]string{
		"error":  "Unauthorized",
		"detail": "Valid Bearer token required",
	})
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONStatus(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSONStatus(w, http.StatusOK, h.server.healthResult(r.Context()))
}

// handleHealthz is the liveness probe: the process answers, nothing else is
// checked.
func (h *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz is the readiness probe: not ready until the store answers.
func (h *HTTPServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := h.server.store.Ping(r.Context()); err != nil {
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSONStatus(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *HTTPServer) handleMetricsRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONStatus(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSONStatus(w, http.StatusOK, h.server.metrics.Snapshot())
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
