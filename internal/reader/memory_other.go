//go:build !linux

package reader

func availableMemoryMB() int64 { return -1 }
