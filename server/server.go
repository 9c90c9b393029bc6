// Package server exposes the report generation over HTTP.
//
// Routes:
//
//	GET  /         health check: {"ok": true, "device": ..., "model_dir": ...}
//	GET  /ping     liveness: {"pong": true}
//	POST /predict  multipart upload of the image in the "file" field (and optional "prompt"): {"report": ...}
//
// Errors are returned as {"detail": message} with a 4xx status for invalid uploads and 500 for inference
// failures.
package server

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gomlx/go-medreport/pipeline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Generator produces reports, usually a *pipeline.Pipeline.
type Generator interface {
	Generate(ctx context.Context, image []byte, prompt string) (string, error)
	Info() pipeline.Info
}

// Options of the Server.
type Options struct {
	// RequestTimeout bounds the report generation. 0 means no timeout.
	RequestTimeout time.Duration

	// MaxUploadBytes is the largest accepted request body.
	MaxUploadBytes int64

	// AllowedOrigins for cross-origin requests. "*" allows any origin.
	AllowedOrigins []string
}

// DefaultMaxUploadBytes is used when Options.MaxUploadBytes is not set.
const DefaultMaxUploadBytes = 20 << 20

// maxMemoryBytes of a multipart form kept in memory, the rest goes to temporary files.
const maxMemoryBytes = 8 << 20

// Server handles the HTTP requests.
type Server struct {
	generator Generator
	options   Options
	handler   http.Handler
}

// New creates a Server for the generator.
func New(generator Generator, options Options) *Server {
	if options.MaxUploadBytes <= 0 {
		options.MaxUploadBytes = DefaultMaxUploadBytes
	}
	s := &Server{generator: generator, options: options}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("POST /predict", s.handlePredict)
	s.handler = withRequestID(withCORS(mux, trimOrigins(options.AllowedOrigins)))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.V(1).Infof("writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	info := s.generator.Info()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "device": info.Device, "model_dir": info.ModelDir})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"pong": true})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	requestID := RequestID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, s.options.MaxUploadBytes)
	if err := r.ParseMultipartForm(maxMemoryBytes); err != nil {
		if tooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		klog.V(1).Infof("request %s: invalid upload: %v", requestID, err)
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	content, err := io.ReadAll(file)
	_ = file.Close()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read uploaded file")
		return
	}
	if len(content) == 0 {
		writeError(w, http.StatusBadRequest, "Empty file")
		return
	}

	ctx := r.Context()
	if s.options.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.options.RequestTimeout)
		defer cancel()
	}
	start := time.Now()
	text, err := s.generator.Generate(ctx, content, r.FormValue("prompt"))
	if err != nil {
		klog.Errorf("request %s: inference on %q (%d bytes) failed: %+v", requestID, header.Filename, len(content), err)
		writeError(w, http.StatusInternalServerError, "Inference error: "+err.Error())
		return
	}
	klog.V(1).Infof("request %s: report for %q (%d bytes) generated in %s", requestID, header.Filename, len(content), time.Since(start))
	writeJSON(w, http.StatusOK, map[string]string{"report": text})
}

func tooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr) || errors.Is(err, multipart.ErrMessageTooLarge)
}
