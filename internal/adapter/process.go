//go:build !windows

package adapter

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/shlex"
	"github.com/gpuctl/core/internal/types"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// processHandle tracks one running engine subprocess.
type processHandle struct {
	cmd         *exec.Cmd
	pid         int
	endpointURL string
}

// ProcessEngine drives engine instances as local subprocesses in their own
// process group, grounded on the teacher's ollama_runtime.go /
// model_instance.go (Setpgid + SIGTERM-then-SIGKILL escalation) and
// utils.go's killProcessTree.
type ProcessEngine struct {
	log zerolog.Logger

	mu       sync.Mutex
	handles  map[types.ModelID]*processHandle

	httpClient *http.Client
}

// NewProcessEngine constructs a ProcessEngine.
func NewProcessEngine(log zerolog.Logger) *ProcessEngine {
	return &ProcessEngine{
		log:        log.With().Str("component", "process-engine").Logger(),
		handles:    make(map[types.ModelID]*processHandle),
		httpClient: &http.Client{},
	}
}

// Validate implements EngineAdapter.
func (p *ProcessEngine) Validate(cfg types.ModelConfig) ValidationResult {
	var errs []string

	if cfg.ModelPath == "" {
		errs = append(errs, "model_path is required")
	} else if _, err := os.Stat(cfg.ModelPath); err != nil {
		errs = append(errs, fmt.Sprintf("model_path %q not accessible: %v", cfg.ModelPath, err))
	}

	exe, ok := cfg.Parameters["executable"]
	if !ok || exe == "" {
		errs = append(errs, "parameters.executable is required")
	} else if _, err := exec.LookPath(exe); err != nil {
		errs = append(errs, fmt.Sprintf("executable %q not found: %v", exe, err))
	}

	if port, ok := cfg.Parameters["port"]; ok {
		if err := validatePort(port); err != nil {
			errs = append(errs, err.Error())
		}
	} else {
		errs = append(errs, "parameters.port is required")
	}

	if ctxLen, ok := cfg.Parameters["context_length"]; ok {
		if n, err := strconv.Atoi(ctxLen); err != nil || n <= 0 {
			errs = append(errs, "parameters.context_length must be a positive integer")
		}
	}

	if util, ok := cfg.Parameters["gpu_memory_utilization"]; ok {
		if f, err := strconv.ParseFloat(util, 64); err != nil || f <= 0 || f > 1 {
			errs = append(errs, "parameters.gpu_memory_utilization must be in (0,1]")
		}
	}

	return ValidationResult{OK: len(errs) == 0, Errors: errs}
}

// Start implements EngineAdapter: launches the subprocess, sets GPU
// visibility env vars, waits for /health to return 200 within
// ProcessReadyTimeout, and cleans up fully on failure.
func (p *ProcessEngine) Start(ctx context.Context, cfg types.ModelConfig) StartResult {
	logger := p.log.With().Str("model_id", string(cfg.ID)).Logger()

	exe := cfg.Parameters["executable"]
	port := cfg.Parameters["port"]

	args := buildBaseArgs(cfg)
	if extra, ok := cfg.Parameters["additional_parameters"]; ok && extra != "" {
		tokens, err := shlex.Split(extra)
		if err != nil {
			logger.Warn().Err(err).Msg("shell tokenization failed, falling back to whitespace split")
			tokens = strings.Fields(extra)
		}
		args = append(args, tokens...)
	}

	startCtx, cancel := context.WithTimeout(ctx, ProcessReadyTimeout)
	defer cancel()

	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), gpuVisibilityEnv(cfg)...)

	if err := cmd.Start(); err != nil {
		return StartResult{OK: false, Err: fmt.Errorf("%w: %v", ErrStartFailed, err)}
	}

	endpoint := fmt.Sprintf("http://127.0.0.1:%s", port)
	healthPath := "/health"

	if !p.waitHealthy(startCtx, endpoint+healthPath) {
		_ = killProcessGroup(cmd.Process.Pid)
		_ = cmd.Wait()
		return StartResult{OK: false, Err: ErrStartTimeout}
	}

	p.mu.Lock()
	p.handles[cfg.ID] = &processHandle{cmd: cmd, pid: cmd.Process.Pid, endpointURL: endpoint}
	p.mu.Unlock()

	return StartResult{OK: true, EndpointURL: endpoint}
}

func (p *ProcessEngine) waitHealthy(ctx context.Context, url string) bool {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err == nil {
			resp, err := p.httpClient.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return true
				}
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Stop implements EngineAdapter: graceful SIGTERM to the process group,
// escalate to SIGKILL after GracefulStopTimeout. Idempotent.
func (p *ProcessEngine) Stop(_ context.Context, modelID types.ModelID) error {
	p.mu.Lock()
	h, ok := p.handles[modelID]
	if ok {
		delete(p.handles, modelID)
	}
	p.mu.Unlock()

	if !ok {
		return nil // already stopped
	}

	if err := syscall.Kill(-h.pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		p.log.Warn().Err(err).Int("pid", h.pid).Msg("SIGTERM to process group failed")
	}

	deadline := time.Now().Add(GracefulStopTimeout)
	for time.Now().Before(deadline) {
		if syscall.Kill(h.pid, 0) != nil {
			return nil // exited
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := killProcessGroup(h.pid); err != nil {
		return fmt.Errorf("%w: %v", ErrStopFailed, err)
	}
	return nil
}

// Probe implements EngineAdapter: OS-level liveness only, not the engine's
// HTTP surface (spec.md §4.3's probe/health distinction).
func (p *ProcessEngine) Probe(_ context.Context, modelID types.ModelID) bool {
	p.mu.Lock()
	h, ok := p.handles[modelID]
	p.mu.Unlock()
	if !ok {
		return false
	}

	proc, err := process.NewProcess(int32(h.pid))
	if err != nil {
		return false
	}
	status, err := proc.Status()
	if err != nil {
		return false
	}
	for _, s := range status {
		if s == "Z" { // zombie
			return false
		}
	}
	return true
}

// Endpoint implements EngineAdapter.
func (p *ProcessEngine) Endpoint(modelID types.ModelID) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[modelID]
	if !ok {
		return "", false
	}
	return h.endpointURL, true
}

func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

func buildBaseArgs(cfg types.ModelConfig) []string {
	args := []string{"--model", cfg.ModelPath, "--port", cfg.Parameters["port"]}
	if v, ok := cfg.Parameters["context_length"]; ok {
		args = append(args, "--ctx-size", v)
	}
	if v, ok := cfg.Parameters["tensor_parallel"]; ok {
		args = append(args, "--tensor-parallel-size", v)
	}
	if v, ok := cfg.Parameters["quantization"]; ok {
		args = append(args, "--quantization", v)
	}
	if v, ok := cfg.Parameters["gpu_memory_utilization"]; ok {
		args = append(args, "--gpu-memory-utilization", v)
	}
	return args
}

// gpuVisibilityEnv sets the vendor-appropriate GPU visibility environment
// variable from config.gpu_devices (spec.md §4.3).
func gpuVisibilityEnv(cfg types.ModelConfig) []string {
	if len(cfg.GPUDevices) == 0 {
		return nil
	}
	ids := make([]string, len(cfg.GPUDevices))
	for i, d := range cfg.GPUDevices {
		ids[i] = strconv.Itoa(d)
	}
	joined := strings.Join(ids, ",")

	if cfg.Parameters["gpu_vendor"] == string(types.VendorAMD) {
		return []string{"ROCR_VISIBLE_DEVICES=" + joined, "HIP_VISIBLE_DEVICES=" + joined}
	}
	return []string{"CUDA_VISIBLE_DEVICES=" + joined, "NVIDIA_VISIBLE_DEVICES=" + joined}
}
