//go:build !unix

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: memory_other.go
Description: Resident set size fallback for platforms without getrusage.
*/

package monitoring

import "runtime"

// ReadRSS approximates the resident set size with the memory obtained from the OS by the Go runtime
func ReadRSS() (uint64, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys, nil
}
