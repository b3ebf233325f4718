package server

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/adhamqabban37/TruthByte/internal/analysis"
	"github.com/adhamqabban37/TruthByte/internal/history"
	"github.com/adhamqabban37/TruthByte/internal/scan"
)

// Analyzer resolves barcodes, label text and label photos into results
type Analyzer interface {
	ResolveBarcode(ctx context.Context, symbol string) analysis.Result
	ResolveLabel(ctx context.Context, text string) analysis.Result
	ResolveImage(ctx context.Context, imageData []byte, contentType string) analysis.Result
}

// History is the scan history and capture store
type History interface {
	Record(result analysis.Result)
	List(limit int) ([]*history.Entry, error)
	Delete(id string) error
	Capture(name string) ([]byte, string, error)
}

// MachineFactory builds a scan machine around one connection's camera
type MachineFactory func(cam scan.Camera) (*scan.Machine, error)

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// Server handles HTTP requests for scans and history
type Server struct {
	analyzer   Analyzer
	history    History
	newMachine MachineFactory
	basicAuth  BasicAuth
	mux        *http.ServeMux
	upgrader   websocket.Upgrader
}

// NewServer creates a new Server with default mux
func NewServer(analyzer Analyzer, hist History, newMachine MachineFactory, basicAuth BasicAuth) *Server {
	return NewServerWithMux(analyzer, hist, newMachine, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(analyzer Analyzer, hist History, newMachine MachineFactory, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		analyzer:   analyzer,
		history:    hist,
		newMachine: newMachine,
		basicAuth:  basicAuth,
		mux:        mux,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The scan page may be served from another origin during development
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="TruthByte"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/analyze/barcode", s.requireAuth(s.handleAnalyzeBarcode))
	s.mux.HandleFunc("POST /api/analyze/label", s.requireAuth(s.handleAnalyzeLabel))
	s.mux.HandleFunc("POST /api/analyze/image", s.requireAuth(s.handleAnalyzeImage))

	s.mux.HandleFunc("GET /api/history", s.requireAuth(s.handleListHistory))
	s.mux.HandleFunc("DELETE /api/history/{id}", s.requireAuth(s.handleDeleteHistory))
	s.mux.HandleFunc("GET /api/captures/{name}", s.requireAuth(s.handleGetCapture))

	// Browsers resend basic auth credentials on the websocket handshake
	s.mux.HandleFunc("GET /api/scan", s.requireAuth(s.handleScan))
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// Handler wraps the mux with CORS handling, including OPTIONS preflights
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux.ServeHTTP)
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
