package model

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// CPUInfo describes the host the native backend computes on.
type CPUInfo struct {
	Brand    string   `json:"brand"`
	Cores    int      `json:"cores"`
	Threads  int      `json:"threads"`
	GOARCH   string   `json:"goarch"`
	Features []string `json:"features"`
}

func HostCPU() CPUInfo {
	var feats []string
	for _, f := range []cpuid.FeatureID{cpuid.SSE4, cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F, cpuid.ASIMD} {
		if cpuid.CPU.Supports(f) {
			feats = append(feats, f.String())
		}
	}
	return CPUInfo{
		Brand:    cpuid.CPU.BrandName,
		Cores:    cpuid.CPU.PhysicalCores,
		Threads:  cpuid.CPU.LogicalCores,
		GOARCH:   runtime.GOARCH,
		Features: feats,
	}
}
