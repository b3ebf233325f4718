package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adhamqabban37/TruthByte/internal/analysis"
	"github.com/adhamqabban37/TruthByte/internal/history"
)

const (
	maxFormSize = int64(50 << 20) // phone photos can be large
	maxJSONSize = int64(1 << 20)
)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// jsonError writes {"error": message} with CORS headers set
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeResult records identified products in history and returns the result
func (s *Server) writeResult(w http.ResponseWriter, result analysis.Result) {
	if result.Method != analysis.MethodNone {
		s.history.Record(result)
	}
	writeJSON(w, result)
}

type barcodeRequest struct {
	Barcode string `json:"barcode"`
}

type labelRequest struct {
	Text string `json:"text"`
}

// handleAnalyzeBarcode resolves a typed or decoded barcode
func (s *Server) handleAnalyzeBarcode(w http.ResponseWriter, r *http.Request) {
	var req barcodeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONSize)).Decode(&req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Barcode = strings.TrimSpace(req.Barcode)
	if req.Barcode == "" {
		jsonError(w, "Barcode is required", http.StatusBadRequest)
		return
	}

	s.writeResult(w, s.analyzer.ResolveBarcode(r.Context(), req.Barcode))
}

// handleAnalyzeLabel resolves label text read on the client
func (s *Server) handleAnalyzeLabel(w http.ResponseWriter, r *http.Request) {
	var req labelRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONSize)).Decode(&req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		jsonError(w, "Label text is required", http.StatusBadRequest)
		return
	}

	s.writeResult(w, s.analyzer.ResolveLabel(r.Context(), req.Text))
}

// handleAnalyzeImage resolves an uploaded label photo
func (s *Server) handleAnalyzeImage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		if err.Error() == "http: request body too large" {
			errorMsg = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a photo of the label."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return
	}
	defer f.Close()

	if header.Size > maxFormSize {
		jsonError(w, "File is too large. Maximum size is 50MB. Please compress or resize your image.", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		jsonError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = contentTypeFor(header.Filename)
	}

	s.writeResult(w, s.analyzer.ResolveImage(r.Context(), data, contentType))
}

// contentTypeFor guesses from the extension; phones often omit the header for HEIC
func contentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleListHistory returns recent scans, newest first
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.history.List(limit)
	if err != nil {
		slog.Error("Error listing history", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

// handleDeleteHistory removes one history entry
func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.history.Delete(id); err != nil {
		if errors.Is(err, history.ErrNotFound) {
			jsonError(w, "Entry not found", http.StatusNotFound)
			return
		}
		slog.Error("Error deleting history entry", "id", id, "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetCapture serves a captured label frame
func (s *Server) handleGetCapture(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	data, contentType, err := s.history.Capture(name)
	if err != nil {
		if !errors.Is(err, history.ErrCaptureNotFound) {
			slog.Error("Error getting capture", "name", name, "error", err)
		}
		jsonError(w, "Capture not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.Write(data)
}
