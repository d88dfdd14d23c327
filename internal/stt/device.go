package stt

import (
	"os"
	"os/exec"
)

const (
	DeviceAuto = "auto"
	DeviceCUDA = "cuda"
	DeviceCPU  = "cpu"
)

// cudaAvailable is replaced in tests.
var cudaAvailable = func() bool {
	if _, err := os.Stat("/dev/nvidia0"); err == nil {
		return true
	}
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}

// ResolveDevice turns "auto" into cuda when a GPU is visible and cpu otherwise.
func ResolveDevice(device string) string {
	if device != "" && device != DeviceAuto {
		return device
	}
	if cudaAvailable() {
		return DeviceCUDA
	}
	return DeviceCPU
}

// DefaultComputeType picks float16 on GPUs and int8 on CPUs.
func DefaultComputeType(device string) string {
	if device == DeviceCUDA {
		return "float16"
	}
	return "int8"
}
