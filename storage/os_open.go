package storage

import "os"

// defaultOSOpen opens a local path for mmap.MapRegion. Split out from
// NewMapped so tests can substitute a stub without a full VFS layer.
func defaultOSOpen(path string) (*os.File, error) {
	return os.Open(path)
}
