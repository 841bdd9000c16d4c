package resource

import (
	"testing"

	"github.com/gpuctl/core/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimate_UsesDeclaredRequirementVerbatim(t *testing.T) {
	c := NewCalculator()
	cfg := types.ModelConfig{
		ResourceRequirements: types.ResourceRequirements{GPUMemoryMB: 8192, GPUDevices: []int{0}},
	}
	req := c.Estimate(cfg)
	assert.Equal(t, uint64(8192), req.GPUMemoryMB)
	assert.Equal(t, []int{0}, req.GPUDevices)
}

func TestEstimate_HeuristicScalesWithModelSize(t *testing.T) {
	c := NewCalculator()
	small := c.Estimate(types.ModelConfig{Name: "llama-7b", Framework: types.FrameworkProcess})
	big := c.Estimate(types.ModelConfig{Name: "llama-70b", Framework: types.FrameworkProcess})
	assert.Greater(t, big.GPUMemoryMB, small.GPUMemoryMB)
}

func TestPlan_DirectAllocation(t *testing.T) {
	c := NewCalculator()
	inventory := []types.GpuInfo{{DeviceID: 0, MemoryTotalMB: 24576, MemoryFreeMB: 24576}}
	req := types.ResourceRequirement{GPUMemoryMB: 8192}

	result := c.Plan(req, inventory)
	require.True(t, result.OK)
	assert.Equal(t, []int{0}, result.Allocation.GPUDevices)
	assert.Equal(t, uint64(8192), result.Allocation.MemoryAllocatedMB)
}

func TestPlan_PinnedMultiGPUSplit(t *testing.T) {
	c := NewCalculator()
	inventory := []types.GpuInfo{
		{DeviceID: 0, MemoryTotalMB: 24576, MemoryFreeMB: 24576},
		{DeviceID: 1, MemoryTotalMB: 24576, MemoryFreeMB: 24576},
	}
	req := types.ResourceRequirement{GPUMemoryMB: 40000, GPUDevices: []int{0, 1}}

	result := c.Plan(req, inventory)
	require.True(t, result.OK)
	assert.ElementsMatch(t, []int{0, 1}, result.Allocation.GPUDevices)
	assert.Equal(t, uint64(40000), result.Allocation.MemoryAllocatedMB)
}

func TestPlan_PinnedDeviceMissing(t *testing.T) {
	c := NewCalculator()
	inventory := []types.GpuInfo{{DeviceID: 0, MemoryFreeMB: 24576}}
	req := types.ResourceRequirement{GPUMemoryMB: 1000, GPUDevices: []int{5}}

	result := c.Plan(req, inventory)
	assert.False(t, result.OK)
	assert.NotEmpty(t, result.Errors)
}

func TestPlan_UnpinnedInsufficientMemory(t *testing.T) {
	c := NewCalculator()
	inventory := []types.GpuInfo{{DeviceID: 0, MemoryFreeMB: 1000}}
	req := types.ResourceRequirement{GPUMemoryMB: 8192}

	result := c.Plan(req, inventory)
	assert.False(t, result.OK)
}

func TestPlan_UnpinnedMultiGPUFill(t *testing.T) {
	c := NewCalculator()
	inventory := []types.GpuInfo{
		{DeviceID: 0, MemoryFreeMB: 5000},
		{DeviceID: 1, MemoryFreeMB: 4000},
		{DeviceID: 2, MemoryFreeMB: 3000},
	}
	req := types.ResourceRequirement{GPUMemoryMB: 8000}

	result := c.Plan(req, inventory)
	require.True(t, result.OK)
	assert.Equal(t, []int{0, 1}, result.Allocation.GPUDevices)
}
