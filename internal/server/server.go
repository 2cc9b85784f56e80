// Package server exposes batch control over HTTP so a batch can be started,
// watched and canceled from another machine on the lab network.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	goutils "go.viam.com/utils"

	"github.com/fr3lab/trialcapture/internal/config"
	"github.com/fr3lab/trialcapture/internal/service"
	"github.com/fr3lab/trialcapture/internal/telemetry"
	"github.com/fr3lab/trialcapture/internal/trial"
)

const (
	StatusIdle    = "idle"
	StatusRunning = "running"

	shutdownTimeout = 10 * time.Second
)

// ServiceFactory builds the service for one batch. opts carry the server's
// progress hook and must be passed on to service.New.
type ServiceFactory func(cfg *config.Config, opts ...service.Option) service.Service

// Server represents the web server for controlling batches
type Server struct {
	cfg        *config.Config
	configFile string
	addr       string
	newService ServiceFactory

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	trial   *trial.Trial
	phase   trial.Phase
	planned int
	report  *trial.Report
	lastErr string
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status    string         `json:"status"`
	Profile   string         `json:"profile"`
	OutputDir string         `json:"output_dir"`
	Trial     *TrialInfo     `json:"trial,omitempty"`
	Planned   int            `json:"planned,omitempty"`
	Last      *ReportSummary `json:"last_batch,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// TrialInfo describes the trial in progress.
type TrialInfo struct {
	ID     int       `json:"id"`
	Pose   string    `json:"pose"`
	Phase  string    `json:"phase"`
	Prefix string    `json:"prefix,omitempty"`
	Epoch  time.Time `json:"epoch,omitempty"`
}

// ReportSummary is the outcome of the last finished batch.
type ReportSummary struct {
	Planned   int  `json:"planned"`
	Recorded  int  `json:"recorded"`
	Completed int  `json:"completed"`
	Degraded  int  `json:"degraded"`
	Canceled  bool `json:"canceled"`
}

// FileInfo represents a recorded trial file
type FileInfo struct {
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	Size        int64     `json:"size"`
	SizeHuman   string    `json:"size_human"`
	ModTime     time.Time `json:"mod_time"`
	DownloadURL string    `json:"download_url"`
}

// FilesResponse represents the response for files listing
type FilesResponse struct {
	Files           []FileInfo `json:"files"`
	TotalCount      int        `json:"total_count"`
	OutputDirectory string     `json:"output_directory"`
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// New creates a new web server instance. newService defaults to
// service.New with the configured backends.
func New(cfg *config.Config, configFile, addr string, newService ServiceFactory) *Server {
	if newService == nil {
		newService = func(cfg *config.Config, opts ...service.Option) service.Service {
			return service.New(cfg, configFile, nil, opts...)
		}
	}
	return &Server{
		cfg:        cfg,
		configFile: configFile,
		addr:       addr,
		newService: newService,
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /batch", s.handleStartBatch)
	mux.HandleFunc("POST /cancel", s.handleCancel)
	mux.HandleFunc("GET /config/profiles", s.handleProfiles)
	mux.HandleFunc("GET /api/files", s.handleFiles)
	mux.HandleFunc("GET /api/files/download/{name}", s.handleFileDownload)
	return mux
}

// Start serves until ctx is canceled, then cancels any running batch and
// waits for its trial to be saved.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}

	slog.Info("Starting TrialCapture Web Server",
		"addr", s.addr,
		"local_url", fmt.Sprintf("http://%s", net.JoinHostPort(getLocalIP(), port(s.addr))))

	errCh := make(chan error, 1)
	goutils.PanicCapturingGo(func() {
		errCh <- srv.ListenAndServe()
	})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.stopBatch()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) stopBatch() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// handleStartBatch connects the robot and starts a batch in the background.
// Form values: trials (default all), profile (default current).
func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form")
		return
	}

	trials := 0
	if v := r.FormValue("trials"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid trials value %q", v))
			return
		}
		trials = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.sendErrorResponse(w, http.StatusConflict, "A batch is already running")
		return
	}

	if profile := r.FormValue("profile"); profile != "" && profile != s.cfg.Profile {
		newCfg, err := config.LoadWithProfile(s.configFile, profile)
		if err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest,
				fmt.Sprintf("Failed to load profile '%s': %v", profile, err),
				"profile", profile)
			return
		}
		s.cfg = newCfg
	}

	svc := s.newService(s.cfg, service.WithPhaseHook(s.onPhase))
	if err := svc.Connect(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrFatalConnection) {
			status = http.StatusServiceUnavailable
		}
		s.lastErr = err.Error()
		s.sendErrorResponse(w, status, fmt.Sprintf("Failed to connect: %v", err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.trial = nil
	s.planned = len(s.cfg.Waypoints(trials))
	s.lastErr = ""
	done := s.done

	goutils.PanicCapturingGo(func() {
		defer close(done)
		defer cancel()
		report, err := s.runBatch(ctx, svc, trials)
		s.finish(report, err)
	})

	slog.Info("Server: batch started", "trials", s.planned, "profile", s.cfg.Profile)
	writeJSON(w, GenericResponse{Success: true, Message: fmt.Sprintf("Batch of %d trials started", s.planned)})
}

func (s *Server) runBatch(ctx context.Context, svc service.Service, trials int) (*trial.Report, error) {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			slog.Warn("Server: failed to close connections", "error", err)
		}
	}()
	if err := svc.InitializeGripper(ctx); err != nil {
		return nil, fmt.Errorf("gripper initialization failed: %w", err)
	}
	return svc.RunBatch(ctx, trials)
}

func (s *Server) finish(report *trial.Report, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.cancel = nil
	s.trial = nil
	s.report = report
	if err != nil {
		s.lastErr = err.Error()
		slog.Warn("Server: batch ended with error", "error", err)
		return
	}
	slog.Info("Server: batch finished", "trials", len(report.Results))
}

func (s *Server) onPhase(t trial.Trial, p trial.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trial = &t
	s.phase = p
}

// handleCancel stops the running batch after saving its current trial
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		s.sendErrorResponse(w, http.StatusConflict, "No batch is running")
		return
	}
	cancel()
	writeJSON(w, GenericResponse{Success: true, Message: "Batch cancellation requested"})
}

// handleStatus returns the current batch progress
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := StatusResponse{
		Status:    StatusIdle,
		Profile:   s.cfg.Profile,
		OutputDir: s.cfg.Output.Directory,
		Error:     s.lastErr,
	}
	if s.running {
		resp.Status = StatusRunning
		resp.Planned = s.planned
		if s.trial != nil {
			resp.Trial = &TrialInfo{
				ID:     s.trial.ID,
				Pose:   s.trial.Start.ID,
				Phase:  s.phase.String(),
				Prefix: s.trial.Prefix,
				Epoch:  s.trial.Epoch,
			}
		}
	}
	if s.report != nil {
		resp.Last = summarize(s.report)
	}
	writeJSON(w, resp)
}

func summarize(r *trial.Report) *ReportSummary {
	sum := &ReportSummary{
		Planned:   r.Planned,
		Recorded:  len(r.Results),
		Completed: r.Completed(),
		Canceled:  r.Canceled,
	}
	for _, res := range r.Results {
		if len(res.Degraded) > 0 {
			sum.Degraded++
		}
	}
	return sum
}

// handleProfiles returns available configuration profiles
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	root := config.BuiltinRoot()
	if s.configFile != "" {
		var err error
		root, err = config.ValidateConfigurationFormat(s.configFile)
		if err != nil {
			s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read profiles: %v", err))
			return
		}
	}

	profiles := make([]string, 0, len(root.Configs))
	for name := range root.Configs {
		profiles = append(profiles, name)
	}
	slices.Sort(profiles)

	s.mu.Lock()
	active := s.cfg.Profile
	s.mu.Unlock()
	writeJSON(w, map[string]interface{}{
		"profiles": profiles,
		"active":   active,
	})
}

// fileKind classifies a trial output file by its suffix.
func fileKind(name string) string {
	switch {
	case strings.HasSuffix(name, telemetry.CSVSuffix):
		return "telemetry"
	case strings.Contains(name, "_Video."):
		return "video"
	default:
		return ""
	}
}

// handleFiles lists the recorded trial files, newest first
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	outputDir := s.cfg.Output.Directory
	s.mu.Unlock()

	entries, err := os.ReadDir(outputDir)
	if err != nil && !os.IsNotExist(err) {
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read output directory: %v", err))
		return
	}

	files := []FileInfo{}
	for _, entry := range entries {
		kind := fileKind(entry.Name())
		if entry.IsDir() || kind == "" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			slog.Warn("Failed to get file info", "file", entry.Name(), "error", err)
			continue
		}
		files = append(files, FileInfo{
			Name:        entry.Name(),
			Kind:        kind,
			Size:        info.Size(),
			SizeHuman:   units.HumanSize(float64(info.Size())),
			ModTime:     info.ModTime(),
			DownloadURL: "/api/files/download/" + entry.Name(),
		})
	}

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})

	writeJSON(w, FilesResponse{
		Files:           files,
		TotalCount:      len(files),
		OutputDirectory: outputDir,
	})
}

// handleFileDownload serves one recorded file as an attachment
func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) || fileKind(name) == "" {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	path := filepath.Join(s.cfg.Output.Directory, name)
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "File not found", http.StatusNotFound)
		} else {
			http.Error(w, "Error accessing file", http.StatusInternalServerError)
		}
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "Error accessing file", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	logFields = append(logFields, logContext...)
	slog.Error("Sending error response to client", logFields...)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(GenericResponse{Success: false, Error: errorMsg})
}

func port(addr string) string {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		return p
	}
	return addr
}

func getLocalIP() string {
	// Dialing UDP sends nothing, it only selects the outbound interface
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
