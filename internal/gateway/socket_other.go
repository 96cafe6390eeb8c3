//go:build !linux && !darwin && !windows

package gateway

func setSocketOptions(fd uintptr) {}
