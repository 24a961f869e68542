//go:build linux

package reader

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// availableMemoryMB returns MemAvailable from /proc/meminfo in MB.
func availableMemoryMB() int64 {
	file, err := os.Open("/proc/meminfo")
	if err != nil {
		return -1
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "MemAvailable:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				kb, err := strconv.ParseInt(fields[1], 10, 64)
				if err == nil {
					return kb / 1024
				}
			}
		}
	}
	return -1
}
