package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"svg2pptx-batch/internal/converter"
	"svg2pptx-batch/internal/coordinator"
	"svg2pptx-batch/internal/downloader"
	"svg2pptx-batch/internal/fileservice"
	"svg2pptx-batch/internal/fileservice/catbox"
	"svg2pptx-batch/internal/fileservice/httpdrive"
	"svg2pptx-batch/internal/jobapi"
	"svg2pptx-batch/internal/model"
	"svg2pptx-batch/internal/progress"
	"svg2pptx-batch/internal/runner"
	"svg2pptx-batch/internal/store"
)

// --- Constants ---
const (
	defaultNumWorkers  = 8
	defaultQueueDepth  = 256
	defaultServerPort  = ":8080"
	defaultSnapshotDir = "batch_state"
)

// ServerConfig holds process-wide configuration, read from the environment
// the way the teacher's getDefaultConfig does.
type ServerConfig struct {
	Port          string
	NumWorkers    int
	QueueDepth    int
	SnapshotDir   string
	FileService   string // "catbox" or "httpdrive"
	DriveBaseURL  string
	DriveAPIToken string
}

func getDefaultConfig() *ServerConfig {
	cfg := &ServerConfig{
		Port:        defaultServerPort,
		NumWorkers:  defaultNumWorkers,
		QueueDepth:  defaultQueueDepth,
		SnapshotDir: defaultSnapshotDir,
		FileService: "catbox",
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = ":" + v
	}
	if v := os.Getenv("NUM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NumWorkers = n
		}
	}
	if v := os.Getenv("FILE_SERVICE"); v != "" {
		cfg.FileService = v
	}
	cfg.DriveBaseURL = os.Getenv("DRIVE_BASE_URL")
	cfg.DriveAPIToken = os.Getenv("DRIVE_API_TOKEN")
	return cfg
}

// Server wires the batch core's capabilities behind a small HTTP surface:
// job creation + enqueue + progress, and an operator WebSocket fan-out.
type Server struct {
	cfg *ServerConfig

	store store.Store
	sink  *progress.Sink
	rnr   *runner.Runner
	api   *jobapi.API

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer builds a Server with the Store/Downloader/FileService/Coordinator/
// Runner/jobapi.API stack wired together under cfg.
func NewServer(cfg *ServerConfig) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	memStore := store.NewMemoryStore()
	snapStore := store.NewSnapshotStore(memStore, cfg.SnapshotDir)

	var svc fileservice.Service
	switch cfg.FileService {
	case "httpdrive":
		if cfg.DriveBaseURL == "" {
			cancel()
			return nil, fmt.Errorf("DRIVE_BASE_URL is required for file_service=httpdrive")
		}
		svc = httpdrive.New(cfg.DriveBaseURL, cfg.DriveAPIToken)
	default:
		svc = catbox.New()
	}

	dl := downloader.New(5, os.TempDir())
	conv := &converter.Fake{} // real SVG→PPTX engine is out of scope (spec §1); wire it here
	coordCfg := coordinator.DefaultConfig()
	coord := coordinator.New(snapStore, dl, conv, svc, coordCfg)

	rnr := runner.New(coord, cfg.NumWorkers, cfg.QueueDepth)
	api := jobapi.New(snapStore, rnr)
	sink := progress.NewSink()

	srv := &Server{
		cfg:    cfg,
		store:  snapStore,
		sink:   sink,
		rnr:    rnr,
		api:    api,
		ctx:    ctx,
		cancel: cancel,
	}
	srv.setupHTTPServer()
	return srv, nil
}

func (s *Server) setupHTTPServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", s.handleCreateJob)
	mux.HandleFunc("/jobs/enqueue", s.handleEnqueue)
	mux.HandleFunc("/jobs/progress", s.handleProgress)
	mux.HandleFunc("/jobs/recover", s.handleRecover)
	mux.HandleFunc("/ws/progress", s.handleProgressWebSocket)
	mux.HandleFunc("/health", s.handleHealthCheck)

	s.httpServer = &http.Server{
		Addr:         s.cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

type createJobRequest struct {
	DriveIntegrationEnabled bool   `json:"drive_integration_enabled"`
	FolderPattern           string `json:"folder_pattern,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	job := &model.Job{
		JobID:                   uuid.NewString(),
		Status:                  model.JobCreated,
		DriveIntegrationEnabled: req.DriveIntegrationEnabled,
		FolderPattern:           req.FolderPattern,
	}
	if job.DriveIntegrationEnabled {
		job.DriveUploadStatus = model.DrivePending
	} else {
		job.DriveUploadStatus = model.DriveNotRequested
	}
	if err := s.store.PutJob(job); err != nil {
		writeError(w, http.StatusInternalServerError, "unexpected_error", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "job_id": job.JobID})
}

type enqueueRequest struct {
	JobID             string   `json:"job_id"`
	URLs              []string `json:"urls"`
	ConversionQuality string   `json:"conversion_quality,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	out, err := s.api.Enqueue(r.Context(), req.JobID, req.URLs, jobapi.EnqueueOptions{ConversionQuality: req.ConversionQuality})
	if err != nil {
		status := http.StatusInternalServerError
		errorType := "unexpected_error"
		switch {
		case errors.Is(err, jobapi.ErrJobNotFound):
			status, errorType = http.StatusNotFound, "job_not_found"
		case errors.Is(err, jobapi.ErrValidation):
			status, errorType = http.StatusBadRequest, "validation_error"
		}
		writeError(w, status, errorType, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "job_id": req.JobID})

	go func() {
		outcome := <-out
		s.sink.Publish(progress.Event{
			JobID:      req.JobID,
			Stage:      "job",
			Status:     outcomeStatus(outcome),
			OccurredAt: time.Now().UTC(),
		})
	}()
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "job_id is required")
		return
	}
	p, err := s.api.Progress(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job_not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "progress": p})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "not implemented: wire internal/retry.Recover against a live FileService and retryUpload callback", http.StatusNotImplemented)
}

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (s *Server) handleProgressWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("progress websocket upgrade failed: %v", err)
		return
	}
	connectionID := fmt.Sprintf("conn_%d_%s", time.Now().UnixNano(), r.RemoteAddr)
	s.sink.NewConnection(conn, connectionID)
	log.Printf("new operator progress connection: %s", connectionID)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	submitted, completed, failed := s.rnr.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"submitted": submitted,
		"completed": completed,
		"failed":    failed,
	})
}

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start() error {
	log.Printf("starting svg2pptx-batch server on %s (file_service=%s, workers=%d)", s.cfg.Port, s.cfg.FileService, s.cfg.NumWorkers)
	return s.httpServer.ListenAndServe()
}

// GracefulShutdown drains in-flight job invocations and tears down the
// Runner and progress Sink in order.
func (s *Server) GracefulShutdown() {
	log.Println("initiating graceful shutdown...")
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}

	log.Println("stopping task runner...")
	s.rnr.Close()

	log.Println("closing progress sink...")
	s.sink.CloseSink()

	s.wg.Wait()
	log.Println("graceful shutdown complete")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, errorType, message string) {
	writeJSON(w, status, map[string]any{
		"success":       false,
		"error_type":    errorType,
		"error_message": message,
	})
}

func outcomeStatus(o runner.Outcome) string {
	if o.Err != nil || o.Result == nil || o.Result.Conversion == nil {
		return "failed"
	}
	if o.Result.QuotaWait {
		return "uploading"
	}
	if !o.Result.Success || o.Result.Err != nil || (o.Result.Upload != nil && o.Result.Upload.SucceededN == 0) {
		return "completed_upload_failed"
	}
	return "completed"
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := getDefaultConfig()
	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("failed to initialize server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	select {
	case sig := <-sigChan:
		log.Printf("received signal: %v", sig)
		srv.GracefulShutdown()
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			log.Printf("server error: %v", err)
		}
	}
}
