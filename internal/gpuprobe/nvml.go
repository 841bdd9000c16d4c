//go:build linux

package gpuprobe

import (
	"context"
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/gpuctl/core/internal/types"
)

// NVMLSource enumerates GPUs via NVIDIA's NVML bindings, grounded on
// aleksandr-podmoskovniy-gpu-control-plane's pkg/detect/nvml_linux.go.
type NVMLSource struct{}

// NewNVMLSource initializes NVML. Callers must call Shutdown when done.
func NewNVMLSource() (*NVMLSource, error) {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, fmt.Errorf("nvml init: %s", nvml.ErrorString(ret))
	}
	return &NVMLSource{}, nil
}

// Shutdown releases NVML's handle on the driver.
func (s *NVMLSource) Shutdown() error {
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml shutdown: %s", nvml.ErrorString(ret))
	}
	return nil
}

// ListGPUs implements Source.
func (s *NVMLSource) ListGPUs(_ context.Context) ([]types.GpuInfo, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("nvml device count: %s", nvml.ErrorString(ret))
	}

	infos := make([]types.GpuInfo, 0, count)
	for i := 0; i < count; i++ {
		dev, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("nvml handle %d: %s", i, nvml.ErrorString(ret))
		}

		info := types.GpuInfo{DeviceID: i, Vendor: types.VendorNVIDIA}
		if mem, ret := dev.GetMemoryInfo(); ret == nvml.SUCCESS {
			info.MemoryTotalMB = mem.Total / (1024 * 1024)
			info.MemoryUsedMB = mem.Used / (1024 * 1024)
			info.MemoryFreeMB = mem.Free / (1024 * 1024)
		}
		if util, ret := dev.GetUtilizationRates(); ret == nvml.SUCCESS {
			info.UtilizationPct = float64(util.Gpu)
		}
		if temp, ret := dev.GetTemperature(nvml.TEMPERATURE_GPU); ret == nvml.SUCCESS {
			info.TemperatureC = float64(temp)
		}
		if pwr, ret := dev.GetPowerUsage(); ret == nvml.SUCCESS {
			info.PowerW = float64(pwr) / 1000.0
		}
		infos = append(infos, info)
	}
	return infos, nil
}
