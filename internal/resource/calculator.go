// Package resource implements C2: translating a ModelConfig into a
// ResourceRequirement and validating/placing it against a GPU inventory.
// Pure and stateless, grounded on original_source's
// utils/resource_calculator.py.
package resource

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gpuctl/core/internal/types"
)

// precisionBytesPerParam mirrors resource_calculator.py's PRECISION_MULTIPLIERS.
var precisionBytesPerParam = map[string]float64{
	"fp32": 4,
	"fp16": 2,
	"int8": 1,
	"int4": 0.5,
}

// frameworkOverheadMB mirrors resource_calculator.py's FRAMEWORK_OVERHEAD,
// adapted to this spec's two frameworks (spec.md §4.2).
var frameworkOverheadMB = map[types.Framework]uint64{
	types.FrameworkProcess:   512,
	types.FrameworkContainer: 1024,
}

// sizeBucket tabulates (hidden, layers) against model-size buckets, used
// for KV-cache estimation when the operator hasn't pinned gpu memory
// directly. Buckets are deliberately coarse — this is a heuristic, not a
// model-file parser (the core never parses model formats, spec.md §1).
type sizeBucket struct {
	maxSizeGB float64
	hidden    float64
	layers    float64
}

var sizeBuckets = []sizeBucket{
	{maxSizeGB: 4, hidden: 2048, layers: 22},
	{maxSizeGB: 8, hidden: 4096, layers: 32},
	{maxSizeGB: 16, hidden: 5120, layers: 40},
	{maxSizeGB: 35, hidden: 6656, layers: 60},
	{maxSizeGB: 72, hidden: 8192, layers: 80},
	{maxSizeGB: math.MaxFloat64, hidden: 12288, layers: 96},
}

// modelSizePattern extracts a "7b"/"13b"/"1.8b" style size token from a
// model name, mirroring resource_calculator.py's _extract_model_size name
// inference fallback (SPEC_FULL supplement, see DESIGN.md).
var modelSizePattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*b(?:illion)?\b`)

const safetyMarginFactor = 1.2

// Calculator implements C2. Stateless: safe for concurrent use.
type Calculator struct{}

// NewCalculator constructs a ResourceCalculator.
func NewCalculator() *Calculator { return &Calculator{} }

// Estimate derives a ResourceRequirement from config (spec.md §4.2).
func (c *Calculator) Estimate(cfg types.ModelConfig) types.ResourceRequirement {
	if decl := cfg.ResourceRequirements; decl.GPUMemoryMB > 0 {
		return types.ResourceRequirement{
			GPUMemoryMB:    decl.GPUMemoryMB,
			GPUDevices:     append([]int(nil), decl.GPUDevices...),
			CPUCores:       decl.CPUCores,
			SystemMemoryMB: decl.SystemMemoryMB,
		}
	}

	modelSizeGB := extractModelSizeGB(cfg)
	precision := extractPrecision(cfg)
	contextLength := extractContextLength(cfg)
	batch := extractBatch(cfg)

	bytesPerParam := precisionBytesPerParam[precision]
	if bytesPerParam == 0 {
		bytesPerParam = precisionBytesPerParam["fp16"]
	}

	baseMemoryMB := modelSizeGB * bytesPerParam * 1024

	hidden, layers := bucketFor(modelSizeGB)
	// KV-cache memory ∝ context_length × batch × hidden × layers × 2 × precision_bytes.
	kvBytes := float64(contextLength) * float64(batch) * hidden * layers * 2 * bytesPerParam
	kvMemoryMB := kvBytes / (1024 * 1024)

	overhead := float64(frameworkOverheadMB[cfg.Framework])
	if overhead == 0 {
		overhead = 512
	}

	totalMB := uint64(math.Ceil((baseMemoryMB + kvMemoryMB + overhead) * safetyMarginFactor))

	return types.ResourceRequirement{
		GPUMemoryMB:    totalMB,
		GPUDevices:     append([]int(nil), cfg.GPUDevices...),
		CPUCores:       estimateCPUCores(cfg),
		SystemMemoryMB: estimateSystemMemoryMB(totalMB),
	}
}

func bucketFor(modelSizeGB float64) (hidden, layers float64) {
	for _, b := range sizeBuckets {
		if modelSizeGB <= b.maxSizeGB {
			return b.hidden, b.layers
		}
	}
	last := sizeBuckets[len(sizeBuckets)-1]
	return last.hidden, last.layers
}

func extractModelSizeGB(cfg types.ModelConfig) float64 {
	if v, ok := cfg.Parameters["model_size_gb"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	if m := modelSizePattern.FindStringSubmatch(cfg.Name); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil && f > 0 {
			return f
		}
	}
	if m := modelSizePattern.FindStringSubmatch(cfg.ModelPath); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil && f > 0 {
			return f
		}
	}
	return 7 // conservative default, matches the source's fallback order of magnitude
}

func extractPrecision(cfg types.ModelConfig) string {
	if v, ok := cfg.Parameters["precision"]; ok {
		p := strings.ToLower(strings.TrimSpace(v))
		if _, ok := precisionBytesPerParam[p]; ok {
			return p
		}
	}
	if v, ok := cfg.Parameters["quantization"]; ok {
		p := strings.ToLower(strings.TrimSpace(v))
		if _, ok := precisionBytesPerParam[p]; ok {
			return p
		}
	}
	return "fp16"
}

func extractContextLength(cfg types.ModelConfig) int {
	if v, ok := cfg.Parameters["context_length"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 4096
}

func extractBatch(cfg types.ModelConfig) int {
	if v, ok := cfg.Parameters["batch"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 1
}

func estimateCPUCores(cfg types.ModelConfig) float64 {
	if v, ok := cfg.Parameters["tensor_parallel"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return float64(n) * 2
		}
	}
	return 4
}

func estimateSystemMemoryMB(gpuMemoryMB uint64) uint64 {
	return gpuMemoryMB / 2
}

// PlanResult is the outcome of Plan.
type PlanResult struct {
	OK         bool
	Errors     []string
	Allocation *types.ResourceAllocation
}

// Plan validates a requirement against a GPU inventory and, if it fits,
// returns a candidate ResourceAllocation (spec.md §4.2). The inventory
// passed in must already reflect free (not total) memory accounting for
// any outstanding allocations — that bookkeeping is the caller's (C5's)
// responsibility; Plan never mutates it.
func (c *Calculator) Plan(req types.ResourceRequirement, inventory []types.GpuInfo) PlanResult {
	if len(req.GPUDevices) > 0 {
		return c.planPinned(req, inventory)
	}
	return c.planUnpinned(req, inventory)
}

func (c *Calculator) planPinned(req types.ResourceRequirement, inventory []types.GpuInfo) PlanResult {
	byID := indexByDevice(inventory)

	var missing []int
	for _, d := range req.GPUDevices {
		if _, ok := byID[d]; !ok {
			missing = append(missing, d)
		}
	}
	if len(missing) > 0 {
		return PlanResult{OK: false, Errors: []string{fmt.Sprintf("pinned devices not present: %v", missing)}}
	}

	// Single pinned device that alone satisfies the request.
	if len(req.GPUDevices) == 1 {
		d := byID[req.GPUDevices[0]]
		if d.MemoryFreeMB >= req.GPUMemoryMB {
			return PlanResult{OK: true, Allocation: &types.ResourceAllocation{
				GPUDevices:        []int{d.DeviceID},
				MemoryAllocatedMB: req.GPUMemoryMB,
			}}
		}
	}

	// Multi-GPU split across the pinned set only.
	var totalFree uint64
	deficits := make([]string, 0, len(req.GPUDevices))
	for _, d := range req.GPUDevices {
		g := byID[d]
		totalFree += g.MemoryFreeMB
		deficits = append(deficits, fmt.Sprintf("gpu %d free=%dMB", g.DeviceID, g.MemoryFreeMB))
	}
	if totalFree < req.GPUMemoryMB {
		return PlanResult{OK: false, Errors: append([]string{
			fmt.Sprintf("insufficient memory across pinned set: need %dMB, have %dMB", req.GPUMemoryMB, totalFree),
		}, deficits...)}
	}

	return PlanResult{OK: true, Allocation: &types.ResourceAllocation{
		GPUDevices:        append([]int(nil), req.GPUDevices...),
		MemoryAllocatedMB: req.GPUMemoryMB,
	}}
}

func (c *Calculator) planUnpinned(req types.ResourceRequirement, inventory []types.GpuInfo) PlanResult {
	if len(inventory) == 0 {
		return PlanResult{OK: false, Errors: []string{"no gpus visible"}}
	}

	sorted := append([]types.GpuInfo(nil), inventory...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MemoryFreeMB > sorted[j].MemoryFreeMB })

	// Single best-fit GPU.
	if sorted[0].MemoryFreeMB >= req.GPUMemoryMB {
		return PlanResult{OK: true, Allocation: &types.ResourceAllocation{
			GPUDevices:        []int{sorted[0].DeviceID},
			MemoryAllocatedMB: req.GPUMemoryMB,
		}}
	}

	// Fill GPUs in descending-free order until the cumulative free memory
	// covers the request (multi-GPU placement).
	var cumulative uint64
	var chosen []int
	for _, g := range sorted {
		cumulative += g.MemoryFreeMB
		chosen = append(chosen, g.DeviceID)
		if cumulative >= req.GPUMemoryMB {
			return PlanResult{OK: true, Allocation: &types.ResourceAllocation{
				GPUDevices:        chosen,
				MemoryAllocatedMB: req.GPUMemoryMB,
			}}
		}
	}

	deficits := make([]string, 0, len(sorted))
	for _, g := range sorted {
		deficits = append(deficits, fmt.Sprintf("gpu %d free=%dMB", g.DeviceID, g.MemoryFreeMB))
	}
	return PlanResult{OK: false, Errors: append([]string{
		fmt.Sprintf("insufficient memory: need %dMB, have %dMB total free", req.GPUMemoryMB, cumulative),
	}, deficits...)}
}

func indexByDevice(inventory []types.GpuInfo) map[int]types.GpuInfo {
	m := make(map[int]types.GpuInfo, len(inventory))
	for _, g := range inventory {
		m[g.DeviceID] = g
	}
	return m
}
