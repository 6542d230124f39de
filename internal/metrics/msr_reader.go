package metrics

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Register addresses of the counters behind the idle time estimate.
const (
	tscOffset   int64 = 0x10
	mperfOffset int64 = 0xE7

	msrCounterSize = 8
)

// Root of the per-CPU msr device nodes, replaced in tests.
var msrDevicePath = "/dev/cpu"

// msrCounterReader returns the TSC and MPERF pair of one CPU. The pair is read
// back to back, TSC first.
type msrCounterReader interface {
	readCounters() (tsc uint64, mperf uint64, err error)
	close() error
}

type msrDevice struct {
	cpu  uint
	file *os.File

	// Sample may be called concurrently for the same CPU
	mu  sync.Mutex
	buf [msrCounterSize]byte
}

func openMSRDevice(cpu uint) (msrCounterReader, error) {
	path := filepath.Join(msrDevicePath, strconv.FormatUint(uint64(cpu), 10), "msr")
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cpu %d: cannot open %s: %w", cpu, path, err)
	}

	return &msrDevice{cpu: cpu, file: file}, nil
}

func (d *msrDevice) readCounters() (uint64, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tsc, err := d.readAt(tscOffset)
	if err != nil {
		return 0, 0, err
	}
	mperf, err := d.readAt(mperfOffset)
	if err != nil {
		return 0, 0, err
	}

	return tsc, mperf, nil
}

func (d *msrDevice) readAt(offset int64) (uint64, error) {
	if _, err := d.file.ReadAt(d.buf[:], offset); err != nil {
		return 0, fmt.Errorf("cpu %d: msr %#x: %w", d.cpu, offset, err)
	}
	return binary.LittleEndian.Uint64(d.buf[:]), nil
}

func (d *msrDevice) close() error {
	return d.file.Close()
}
