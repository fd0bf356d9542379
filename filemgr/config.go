package filemgr

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"syscall"

	"github.com/c2h5oh/datasize"
	"github.com/pbnjay/memory"
)

// Config holds the budgets the spec.md §6.4 configuration table names.
// Zero values mean "use the computed default"; Resolve fills them in.
type Config struct {
	// MaxBytes is the cache's global byte budget. Default: half of
	// physical RAM, computed with github.com/pbnjay/memory the way
	// erigon-lib's go.mod pulls that library in for exactly this
	// purpose.
	MaxBytes datasize.ByteSize
	// MaxOpenFiles caps simultaneously-mapped files. Default: 3/4 of the
	// process's open-file rlimit, floor 8.
	MaxOpenFiles int
	// MinMapSize is the mmap threshold used by the PREFER... heuristics
	// in GetFile.
	MinMapSize datasize.ByteSize
}

// DefaultMinMapSize mirrors FastBit's implementation-defined default: a
// conservative quarter megabyte, below which the syscall overhead of
// mmap outweighs its benefit.
const DefaultMinMapSize = 256 * datasize.KB

// Resolve fills in zero fields with their computed defaults.
func (c Config) Resolve() Config {
	if c.MaxBytes == 0 {
		c.MaxBytes = datasize.ByteSize(memory.TotalMemory() / 2)
	}
	if c.MaxOpenFiles == 0 {
		c.MaxOpenFiles = defaultMaxOpenFiles()
	}
	if c.MinMapSize == 0 {
		c.MinMapSize = DefaultMinMapSize
	}
	return c
}

func defaultMaxOpenFiles() int {
	var rl syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rl); err != nil {
		return 8
	}
	n := int(rl.Cur * 3 / 4)
	if n < 8 {
		n = 8
	}
	return n
}

// ParseConfig reads a "key=value" config file, one entry per line, "#"
// starting a comment, the same textual shape spec.md §6.4 names
// (fileManager.maxBytes, fileManager.maxOpenFiles, fileManager.minMapSize).
func ParseConfig(r io.Reader) (Config, error) {
	var c Config
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			return c, fmt.Errorf("filemgr: malformed config line %q", line)
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		switch key {
		case "fileManager.maxBytes":
			var sz datasize.ByteSize
			if err := sz.UnmarshalText([]byte(val)); err != nil {
				return c, fmt.Errorf("filemgr: %s: %w", key, err)
			}
			c.MaxBytes = sz
		case "fileManager.maxOpenFiles":
			n, err := strconv.Atoi(val)
			if err != nil {
				return c, fmt.Errorf("filemgr: %s: %w", key, err)
			}
			c.MaxOpenFiles = n
		case "fileManager.minMapSize":
			var sz datasize.ByteSize
			if err := sz.UnmarshalText([]byte(val)); err != nil {
				return c, fmt.Errorf("filemgr: %s: %w", key, err)
			}
			c.MinMapSize = sz
		}
	}
	return c, sc.Err()
}
