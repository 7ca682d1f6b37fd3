//go:build unix

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: memory_unix.go
Description: Resident set size on Unix systems. Uses /proc/self/statm where present and
falls back to the peak RSS from getrusage.
*/

package monitoring

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ReadRSS returns the resident set size of this process in bytes
func ReadRSS() (uint64, error) {
	if data, err := os.ReadFile("/proc/self/statm"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 2 {
			pages, err := strconv.ParseUint(fields[1], 10, 64)
			if err == nil {
				return pages * uint64(unix.Getpagesize()), nil
			}
		}
	}

	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, fmt.Errorf("getrusage: %w", err)
	}
	maxRSS := uint64(ru.Maxrss)
	// Darwin reports bytes, everything else kilobytes
	if runtime.GOOS != "darwin" && runtime.GOOS != "ios" {
		maxRSS *= 1024
	}
	return maxRSS, nil
}
