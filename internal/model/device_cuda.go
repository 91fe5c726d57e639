//go:build cuda

package model

import (
	"gorgonia.org/gorgonia"
	"k8s.io/klog/v2"
)

const GPUAvailable = true

func DeviceOpts(gpu bool) []gorgonia.VMOpt {
	if !gpu {
		return nil
	}
	klog.Info("running supported ops on CUDA")
	return []gorgonia.VMOpt{gorgonia.UseCudaFor()}
}
