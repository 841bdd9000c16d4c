//go:build !windows

package adapter

import (
	"testing"

	"github.com/gpuctl/core/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

func baseValidConfig() types.ModelConfig {
	return types.ModelConfig{
		ID:        "model-a",
		ModelPath: "/etc/hostname", // any path guaranteed to exist on the test host
		Parameters: map[string]string{
			"executable": "true", // present on every POSIX system, satisfies exec.LookPath
			"port":       "8080",
		},
	}
}

func TestProcessEngine_Validate_OK(t *testing.T) {
	p := NewProcessEngine(testLogger())
	result := p.Validate(baseValidConfig())
	assert.True(t, result.OK, "unexpected errors: %v", result.Errors)
}

func TestProcessEngine_Validate_MissingModelPath(t *testing.T) {
	p := NewProcessEngine(testLogger())
	cfg := baseValidConfig()
	cfg.ModelPath = ""
	result := p.Validate(cfg)
	assert.False(t, result.OK)
	assert.Contains(t, result.Errors, "model_path is required")
}

func TestProcessEngine_Validate_MissingExecutable(t *testing.T) {
	p := NewProcessEngine(testLogger())
	cfg := baseValidConfig()
	delete(cfg.Parameters, "executable")
	result := p.Validate(cfg)
	assert.False(t, result.OK)
	assert.Contains(t, result.Errors, "parameters.executable is required")
}

func TestProcessEngine_Validate_PortOutOfRange(t *testing.T) {
	p := NewProcessEngine(testLogger())
	cfg := baseValidConfig()
	cfg.Parameters["port"] = "80"
	result := p.Validate(cfg)
	assert.False(t, result.OK)
	assert.Contains(t, result.Errors, "parameters.port 80 out of range [1024, 65535]")
}

func TestProcessEngine_Validate_NonNumericPort(t *testing.T) {
	p := NewProcessEngine(testLogger())
	cfg := baseValidConfig()
	cfg.Parameters["port"] = "not-a-port"
	result := p.Validate(cfg)
	assert.False(t, result.OK)
}

func TestProcessEngine_Validate_InvalidGPUMemoryUtilization(t *testing.T) {
	p := NewProcessEngine(testLogger())
	cfg := baseValidConfig()
	cfg.Parameters["gpu_memory_utilization"] = "1.5"
	result := p.Validate(cfg)
	assert.False(t, result.OK)
	assert.Contains(t, result.Errors, "parameters.gpu_memory_utilization must be in (0,1]")
}

func TestBuildBaseArgs_IncludesOptionalParameters(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Parameters["context_length"] = "4096"
	cfg.Parameters["tensor_parallel"] = "2"
	cfg.Parameters["quantization"] = "q4_0"

	args := buildBaseArgs(cfg)

	assert.Contains(t, args, "--ctx-size")
	assert.Contains(t, args, "4096")
	assert.Contains(t, args, "--tensor-parallel-size")
	assert.Contains(t, args, "2")
	assert.Contains(t, args, "--quantization")
	assert.Contains(t, args, "q4_0")
}

func TestBuildBaseArgs_OmitsAbsentOptionalParameters(t *testing.T) {
	args := buildBaseArgs(baseValidConfig())
	assert.NotContains(t, args, "--ctx-size")
	assert.Equal(t, []string{"--model", "/etc/hostname", "--port", "8080"}, args)
}

func TestGpuVisibilityEnv_DefaultsToNVIDIA(t *testing.T) {
	cfg := baseValidConfig()
	cfg.GPUDevices = []int{0, 1}

	env := gpuVisibilityEnv(cfg)

	assert.Contains(t, env, "CUDA_VISIBLE_DEVICES=0,1")
	assert.Contains(t, env, "NVIDIA_VISIBLE_DEVICES=0,1")
}

func TestGpuVisibilityEnv_AMD(t *testing.T) {
	cfg := baseValidConfig()
	cfg.GPUDevices = []int{2}
	cfg.Parameters["gpu_vendor"] = string(types.VendorAMD)

	env := gpuVisibilityEnv(cfg)

	assert.Contains(t, env, "ROCR_VISIBLE_DEVICES=2")
	assert.Contains(t, env, "HIP_VISIBLE_DEVICES=2")
}

func TestGpuVisibilityEnv_EmptyWhenNoDevicesPinned(t *testing.T) {
	assert.Nil(t, gpuVisibilityEnv(baseValidConfig()))
}

func TestProcessEngine_StopOnUnknownModelIsNoop(t *testing.T) {
	p := NewProcessEngine(testLogger())
	assert.NoError(t, p.Stop(nil, "never-started")) //nolint:staticcheck // nil ctx unused by this path
}

func TestProcessEngine_ProbeOnUnknownModelIsFalse(t *testing.T) {
	p := NewProcessEngine(testLogger())
	assert.False(t, p.Probe(nil, "never-started")) //nolint:staticcheck // nil ctx unused by this path
}

func TestProcessEngine_EndpointOnUnknownModel(t *testing.T) {
	p := NewProcessEngine(testLogger())
	_, ok := p.Endpoint("never-started")
	assert.False(t, ok)
}
