// Package supervisor owns the lifecycle of the external inference binary:
// spawning (attached or daemonized), startup readiness, health probing,
// resource sampling, log capture, and shutdown.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	gopsproc "github.com/shirou/gopsutil/v3/process"

	"github.com/fabstir/host-agent/internal/events"
)

// Spawn failure classes.
var (
	ErrBinaryNotFound    = errors.New("supervisor: inference binary not found")
	ErrSpawn             = errors.New("supervisor: spawn failed")
	ErrStartupTimeout    = errors.New("supervisor: startup timeout")
	ErrHealthCheckFailed = errors.New("supervisor: health check failed")
	ErrAlreadyRunning    = errors.New("supervisor: inference process already running")
)

// Status is the child process state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusCrashed  Status = "crashed"
)

// Well-known installation directories searched after PATH.
var installDirs = []string{
	"/usr/local/bin",
	"/opt/fabstir/bin",
}

// StateRecorder persists the child PID and start time so a later agent
// process can reattach or detect liveness. config.Store satisfies it.
type StateRecorder interface {
	RecordProcess(pid int, startedAt time.Time) error
	ClearProcess() error
}

// SpawnConfig describes one child launch. The binary consumes configuration
// exclusively through environment variables.
type SpawnConfig struct {
	Binary         string // name or absolute path
	APIPort        int
	P2PPort        int
	ModelPath      string
	ChainID        int64
	PrivateKey     string
	RPCURL         string
	Contracts      map[string]string // CONTRACT_ env suffix -> address
	PublicURL      string
	CudaDevices    string
	LogLevel       string // RUST_LOG value
	Daemon         bool
	StartupTimeout time.Duration // default 60s
}

// Options tunes the supervisor itself.
type Options struct {
	PIDFile        string
	LogsDir        string        // daemon stdio lands in <LogsDir>/inference.log
	ProbeInterval  time.Duration // default 5s
	CPUThreshold   float64       // percent, default 90
	MemThreshold   float64       // percent, default 90
	StopGrace      time.Duration // default 10s
	HTTPClient     *http.Client  // nil builds one with a 5s timeout
	RingSize       int
}

// Handle is the live child process.
type Handle struct {
	mu        sync.Mutex
	cmd       *exec.Cmd
	pid       int
	cfg       SpawnConfig
	status    Status
	startedAt time.Time
	stopReq   bool
	waitDone  chan struct{}
	exitCode  int
}

// PID returns the child process id.
func (h *Handle) PID() int { return h.pid }

// Status returns the current process state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) setStatus(s Status) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

// Info is the handle snapshot served on the management API.
type Info struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	PublicURL string    `json:"public_url"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	UptimeSec int64     `json:"uptime_seconds"`
	Daemon    bool      `json:"daemon"`
}

// Supervisor spawns and monitors exactly one inference child.
type Supervisor struct {
	opts  Options
	store StateRecorder
	bus   *events.Bus
	ring  *LogRing
	http  *http.Client
	log   zerolog.Logger

	mu     sync.Mutex
	handle *Handle

	sampleMu   sync.Mutex
	lastSample ResourceSample
}

// New builds a supervisor. store and bus may be nil.
func New(opts Options, store StateRecorder, bus *events.Bus, logger zerolog.Logger) *Supervisor {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 5 * time.Second
	}
	if opts.CPUThreshold <= 0 {
		opts.CPUThreshold = 90
	}
	if opts.MemThreshold <= 0 {
		opts.MemThreshold = 90
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 10 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Supervisor{
		opts:  opts,
		store: store,
		bus:   bus,
		ring:  NewLogRing(opts.RingSize),
		http:  client,
		log:   logger,
	}
}

// Ring exposes the captured log lines.
func (s *Supervisor) Ring() *LogRing { return s.ring }

// Handle returns the current child handle, nil when none is running.
func (s *Supervisor) Handle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Spawn launches the inference binary and waits until it is ready: startup
// markers observed on its log stream (attached mode), then a successful HTTP
// health probe. The PID is recorded durably before Spawn returns.
func (s *Supervisor) Spawn(ctx context.Context, cfg SpawnConfig) (*Handle, error) {
	s.mu.Lock()
	if s.handle != nil && s.handle.Status() != StatusStopped && s.handle.Status() != StatusCrashed {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	s.mu.Unlock()

	if err := s.checkPIDFile(); err != nil {
		return nil, err
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 60 * time.Second
	}

	path, err := resolveBinary(cfg.Binary)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path)
	cmd.Env = buildEnv(cfg)

	h := &Handle{cmd: cmd, cfg: cfg, status: StatusStarting, waitDone: make(chan struct{})}

	ready := make(chan struct{})
	if cfg.Daemon {
		logFile, err := os.OpenFile(filepath.Join(s.opts.LogsDir, "inference.log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: open daemon log: %v", ErrSpawn, err)
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		detach(cmd)
	} else {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
		}
		tracker := newMarkerTracker()
		var trackerMu sync.Mutex
		scan := func(stream string, r io.Reader) {
			sc := bufio.NewScanner(r)
			sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for sc.Scan() {
				line := sc.Text()
				s.ring.Append(stream, line)
				trackerMu.Lock()
				if tracker.Observe(line) {
					select {
					case <-ready:
					default:
						close(ready)
					}
				}
				trackerMu.Unlock()
			}
		}
		go scan("stdout", stdout)
		go scan("stderr", stderr)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	h.pid = cmd.Process.Pid
	h.startedAt = time.Now().UTC()

	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		stopReq := h.stopReq
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			h.exitCode = exitErr.ExitCode()
		}
		code := h.exitCode
		h.mu.Unlock()
		close(h.waitDone)

		if stopReq {
			return
		}
		h.setStatus(StatusCrashed)
		s.log.Error().Int("pid", h.pid).Int("exit_code", code).Msg("inference process exited unexpectedly")
		s.emit(EventProcessCrashed, ProcessCrashed{PID: h.pid, ExitCode: code, Error: errString(err)})
	}()

	// Readiness: markers first (attached), then the local health endpoint.
	if cfg.Daemon {
		if err := s.awaitHealth(ctx, cfg, cfg.StartupTimeout); err != nil {
			s.killStartupFailure(h)
			return nil, err
		}
	} else {
		select {
		case <-ready:
		case <-h.waitDone:
			s.killStartupFailure(h)
			return nil, fmt.Errorf("%w: process exited during startup", ErrSpawn)
		case <-time.After(cfg.StartupTimeout):
			s.killStartupFailure(h)
			return nil, fmt.Errorf("%w: waiting for startup markers", ErrStartupTimeout)
		case <-ctx.Done():
			s.killStartupFailure(h)
			return nil, ctx.Err()
		}
		if err := s.probeLocalHealth(ctx, cfg.APIPort); err != nil {
			s.killStartupFailure(h)
			return nil, err
		}
	}

	h.setStatus(StatusRunning)
	if err := s.writePIDFile(h.pid); err != nil {
		s.log.Warn().Err(err).Msg("could not write pid file")
	}
	if s.store != nil {
		if err := s.store.RecordProcess(h.pid, h.startedAt); err != nil {
			s.log.Warn().Err(err).Msg("could not record process state")
		}
	}

	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()

	s.log.Info().Int("pid", h.pid).Int("port", cfg.APIPort).Bool("daemon", cfg.Daemon).
		Msg("inference process running")
	s.emit(EventProcessStarted, ProcessStarted{PID: h.pid, Port: cfg.APIPort, Daemon: cfg.Daemon, Binary: path})
	return h, nil
}

// Stop terminates the child: SIGTERM, then SIGKILL after the grace window.
func (s *Supervisor) Stop(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	if h.status == StatusStopped || h.status == StatusCrashed {
		h.mu.Unlock()
		return nil
	}
	h.stopReq = true
	h.status = StatusStopping
	h.mu.Unlock()

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("supervisor: terminate: %w", err)
	}

	killed := false
	select {
	case <-h.waitDone:
	case <-time.After(s.opts.StopGrace):
		killed = true
		_ = h.cmd.Process.Kill()
		<-h.waitDone
	case <-ctx.Done():
		_ = h.cmd.Process.Kill()
		return ctx.Err()
	}

	h.setStatus(StatusStopped)
	s.removePIDFile()
	if s.store != nil {
		_ = s.store.ClearProcess()
	}
	s.log.Info().Int("pid", h.pid).Bool("killed", killed).Msg("inference process stopped")
	s.emit(EventProcessStopped, ProcessStopped{PID: h.pid, Killed: killed})
	return nil
}

// Info reports the handle snapshot.
func (s *Supervisor) Info(h *Handle) Info {
	if h == nil {
		return Info{Status: StatusStopped}
	}
	return Info{
		PID:       h.pid,
		Port:      h.cfg.APIPort,
		PublicURL: h.cfg.PublicURL,
		Status:    h.Status(),
		StartedAt: h.startedAt,
		UptimeSec: int64(time.Since(h.startedAt).Seconds()),
		Daemon:    h.cfg.Daemon,
	}
}

// VerifyPublicAccess probes the publicly advertised URL so the operator
// knows consumers can actually reach the node.
func (s *Supervisor) VerifyPublicAccess(ctx context.Context, h *Handle) bool {
	if h == nil || h.cfg.PublicURL == "" {
		return false
	}
	url := strings.TrimSuffix(h.cfg.PublicURL, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// ---- internals ----

func (s *Supervisor) emit(eventType string, data interface{}) {
	if s.bus != nil {
		s.bus.Emit(eventType, "supervisor", data)
	}
}

// killStartupFailure tears down a child that never became ready.
func (s *Supervisor) killStartupFailure(h *Handle) {
	h.mu.Lock()
	h.stopReq = true
	h.mu.Unlock()
	_ = h.cmd.Process.Kill()
	<-h.waitDone
	h.setStatus(StatusStopped)
}

// probeLocalHealth checks GET http://localhost:{port}/health once.
func (s *Supervisor) probeLocalHealth(ctx context.Context, port int) error {
	url := fmt.Sprintf("http://localhost:%d/health", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHealthCheckFailed, err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHealthCheckFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrHealthCheckFailed, resp.StatusCode)
	}
	return nil
}

// awaitHealth polls the health endpoint until it answers or the deadline
// fires. Used for daemonized children whose stdio is not observable.
func (s *Supervisor) awaitHealth(ctx context.Context, cfg SpawnConfig, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := s.probeLocalHealth(ctx, cfg.APIPort); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("%w: health endpoint never became ready", ErrStartupTimeout)
}

// checkPIDFile rejects the spawn when a previous child still holds the lock.
// A stale file (dead PID) is removed.
func (s *Supervisor) checkPIDFile() error {
	if s.opts.PIDFile == "" {
		return nil
	}
	data, err := os.ReadFile(s.opts.PIDFile)
	if err != nil {
		return nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		s.removePIDFile()
		return nil
	}
	alive, _ := gopsproc.PidExists(int32(pid))
	if alive {
		return fmt.Errorf("%w: pid %d", ErrAlreadyRunning, pid)
	}
	s.removePIDFile()
	return nil
}

func (s *Supervisor) writePIDFile(pid int) error {
	if s.opts.PIDFile == "" {
		return nil
	}
	return os.WriteFile(s.opts.PIDFile, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func (s *Supervisor) removePIDFile() {
	if s.opts.PIDFile != "" {
		os.Remove(s.opts.PIDFile)
	}
}

// resolveBinary finds the executable on PATH, then in the well-known
// installation directories.
func resolveBinary(name string) (string, error) {
	if name == "" {
		name = "fabstir-llm-node"
	}
	if strings.Contains(name, string(os.PathSeparator)) {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, name)
		}
		return name, nil
	}
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	dirs := append([]string(nil), installDirs...)
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".fabstir", "bin"))
	}
	for _, dir := range dirs {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, name)
}

// buildEnv maps the spawn config onto the environment contract the binary
// expects. The parent environment is inherited, config wins on conflicts.
func buildEnv(cfg SpawnConfig) []string {
	env := os.Environ()
	set := func(key, value string) {
		if value != "" {
			env = append(env, key+"="+value)
		}
	}
	set("API_PORT", strconv.Itoa(cfg.APIPort))
	if cfg.P2PPort > 0 {
		set("P2P_PORT", strconv.Itoa(cfg.P2PPort))
	}
	set("MODEL_PATH", cfg.ModelPath)
	if cfg.ChainID > 0 {
		set("CHAIN_ID", strconv.FormatInt(cfg.ChainID, 10))
	}
	set("HOST_PRIVATE_KEY", cfg.PrivateKey)
	set("RPC_URL", cfg.RPCURL)
	for suffix, addr := range cfg.Contracts {
		set("CONTRACT_"+suffix, addr)
	}
	set("CUDA_VISIBLE_DEVICES", cfg.CudaDevices)
	set("RUST_LOG", cfg.LogLevel)
	return env
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
