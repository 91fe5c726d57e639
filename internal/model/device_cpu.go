//go:build !cuda

package model

import (
	"gorgonia.org/gorgonia"
	"k8s.io/klog/v2"
)

// GPUAvailable reports whether this binary was built with CUDA support.
const GPUAvailable = false

// DeviceOpts returns the tape machine options for the requested device.
// Without the cuda build tag everything runs on the CPU.
func DeviceOpts(gpu bool) []gorgonia.VMOpt {
	if gpu {
		klog.Warning("--gpu requested but this binary was built without the cuda tag; training on CPU")
	}
	return nil
}
