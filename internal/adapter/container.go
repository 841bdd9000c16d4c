package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/gpuctl/core/internal/types"
	"github.com/rs/zerolog"
)

// containerHandle tracks one running engine container.
type containerHandle struct {
	containerID string
	endpointURL string
}

// ContainerEngine drives engine instances as Docker containers, grounded
// on the teacher's hydra/devcontainer.go (client construction, GPU device
// requests, mount/host config shape).
type ContainerEngine struct {
	log        zerolog.Logger
	docker     *client.Client
	cacheDir   string

	mu      sync.Mutex
	handles map[types.ModelID]*containerHandle
}

// NewContainerEngine constructs a ContainerEngine against the local Docker
// daemon (negotiating the API version, as the teacher does).
func NewContainerEngine(cacheDir string, log zerolog.Logger) (*ContainerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &ContainerEngine{
		log:      log.With().Str("component", "container-engine").Logger(),
		docker:   cli,
		cacheDir: cacheDir,
		handles:  make(map[types.ModelID]*containerHandle),
	}, nil
}

// containerName deterministically names the container so stale containers
// can be reclaimed across restarts (spec.md §4.3, §6).
func containerName(cfg types.ModelConfig) string {
	return fmt.Sprintf("%s-%s", cfg.Framework, cfg.ID)
}

// Validate implements EngineAdapter.
func (c *ContainerEngine) Validate(cfg types.ModelConfig) ValidationResult {
	var errs []string

	if cfg.Parameters["image"] == "" {
		errs = append(errs, "parameters.image is required")
	}
	if cfg.ModelPath == "" {
		errs = append(errs, "model_path is required")
	}
	if port, ok := cfg.Parameters["port"]; ok {
		if err := validatePort(port); err != nil {
			errs = append(errs, err.Error())
		}
	} else {
		errs = append(errs, "parameters.port is required")
	}

	return ValidationResult{OK: len(errs) == 0, Errors: errs}
}

// Start implements EngineAdapter: pulls the image on the calling goroutine
// (bounded by ContainerReadyTimeout; the scheduler calls Start only after
// releasing its global lock), creates and starts the container, then polls
// /health until ready or timeout.
func (c *ContainerEngine) Start(ctx context.Context, cfg types.ModelConfig) StartResult {
	logger := c.log.With().Str("model_id", string(cfg.ID)).Logger()

	startCtx, cancel := context.WithTimeout(ctx, ContainerReadyTimeout)
	defer cancel()

	imageRef := cfg.Parameters["image"]
	name := containerName(cfg)

	if err := c.pullImage(startCtx, imageRef); err != nil {
		return StartResult{OK: false, Err: fmt.Errorf("%w: %v", ErrImagePullFailed, err)}
	}

	port := cfg.Parameters["port"]
	portSpec := nat.Port(fmt.Sprintf("%s/tcp", port))

	containerCfg := &container.Config{
		Image:        imageRef,
		Env:          buildContainerEnv(cfg),
		ExposedPorts: nat.PortSet{portSpec: {}},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			portSpec: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: port}},
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: cfg.ModelPath, Target: "/models", ReadOnly: true},
			{Type: mount.TypeBind, Source: c.cacheDir, Target: "/cache", ReadOnly: false},
		},
	}
	if cfg.ResourceRequirements.SystemMemoryMB > 0 {
		hostCfg.Resources.Memory = int64(cfg.ResourceRequirements.SystemMemoryMB) * units.MiB
	}
	configureGPURequest(hostCfg, cfg)

	resp, err := c.docker.ContainerCreate(startCtx, containerCfg, hostCfg, &dockernetwork.NetworkingConfig{}, nil, name)
	if err != nil {
		return StartResult{OK: false, Err: fmt.Errorf("%w: container create: %v", ErrStartFailed, err)}
	}

	if err := c.docker.ContainerStart(startCtx, resp.ID, container.StartOptions{}); err != nil {
		_, _ = c.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return StartResult{OK: false, Err: fmt.Errorf("%w: container start: %v", ErrStartFailed, err)}
	}

	endpoint := fmt.Sprintf("http://127.0.0.1:%s", port)

	if !c.waitHealthy(startCtx, endpoint+"/health") {
		_ = c.docker.ContainerStop(ctx, resp.ID, container.StopOptions{})
		_, _ = c.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return StartResult{OK: false, Err: ErrStartTimeout}
	}

	c.mu.Lock()
	c.handles[cfg.ID] = &containerHandle{containerID: resp.ID, endpointURL: endpoint}
	c.mu.Unlock()

	logger.Info().Str("container_id", resp.ID).Msg("container engine started")
	return StartResult{OK: true, EndpointURL: endpoint}
}

func (c *ContainerEngine) pullImage(ctx context.Context, imageRef string) error {
	// The pull runs synchronously on the caller's goroutine, bounded by the
	// caller's context; Start is reached only after the scheduler has
	// released its global lock, so the pull never holds that lock.
	reader, err := c.docker.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (c *ContainerEngine) waitHealthy(ctx context.Context, url string) bool {
	client := &http.Client{}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err == nil {
			resp, err := client.Do(req)
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

// Stop implements EngineAdapter: docker stop with a 10s grace period, then
// docker kill. Idempotent if already stopped.
func (c *ContainerEngine) Stop(ctx context.Context, modelID types.ModelID) error {
	c.mu.Lock()
	h, ok := c.handles[modelID]
	if ok {
		delete(c.handles, modelID)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}

	timeoutSecs := int(GracefulStopTimeout.Seconds())
	if err := c.docker.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &timeoutSecs}); err != nil {
		if killErr := c.docker.ContainerKill(ctx, h.containerID, "SIGKILL"); killErr != nil {
			return fmt.Errorf("%w: stop: %v, kill: %v", ErrStopFailed, err, killErr)
		}
	}
	_, _ = c.docker.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true})
	return nil
}

// Probe implements EngineAdapter: container status == running only.
func (c *ContainerEngine) Probe(ctx context.Context, modelID types.ModelID) bool {
	c.mu.Lock()
	h, ok := c.handles[modelID]
	c.mu.Unlock()
	if !ok {
		return false
	}

	inspect, err := c.docker.ContainerInspect(ctx, h.containerID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

// Endpoint implements EngineAdapter.
func (c *ContainerEngine) Endpoint(modelID types.ModelID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[modelID]
	if !ok {
		return "", false
	}
	return h.endpointURL, true
}

func buildContainerEnv(cfg types.ModelConfig) []string {
	var env []string
	for k, v := range cfg.Parameters {
		if k == "image" || k == "port" {
			continue
		}
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// configureGPURequest requests GPU device IDs via the container runtime's
// device-request mechanism, grounded on devcontainer.go's configureGPU.
func configureGPURequest(hostCfg *container.HostConfig, cfg types.ModelConfig) {
	if len(cfg.GPUDevices) == 0 {
		return
	}
	ids := make([]string, len(cfg.GPUDevices))
	for i, d := range cfg.GPUDevices {
		ids[i] = strconv.Itoa(d)
	}
	hostCfg.Runtime = "nvidia"
	hostCfg.DeviceRequests = []container.DeviceRequest{
		{
			DeviceIDs:    ids,
			Capabilities: [][]string{{"gpu"}},
		},
	}
}
