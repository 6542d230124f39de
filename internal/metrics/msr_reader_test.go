package metrics

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ctrl "sigs.k8s.io/controller-runtime"
)

// fakeMSRDevice lays out a msr file for cpu with the given counter values.
func fakeMSRDevice(t *testing.T, cpu string, tsc, mperf uint64, size int) {
	root := t.TempDir()
	origPath := msrDevicePath
	t.Cleanup(func() {
		msrDevicePath = origPath
	})
	msrDevicePath = root

	content := make([]byte, size)
	if size >= int(tscOffset)+msrCounterSize {
		binary.LittleEndian.PutUint64(content[tscOffset:], tsc)
	}
	if size >= int(mperfOffset)+msrCounterSize {
		binary.LittleEndian.PutUint64(content[mperfOffset:], mperf)
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, cpu), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, cpu, "msr"), content, 0o600))
}

func TestMSRDeviceReadCounters(t *testing.T) {
	fakeMSRDevice(t, "2", 0x1122334455667788, 0x0102030405060708, 0x100)

	reader, err := openMSRDevice(2)
	require.NoError(t, err)
	defer reader.close()

	tsc, mperf, err := reader.readCounters()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122334455667788), tsc)
	assert.Equal(t, uint64(0x0102030405060708), mperf)
}

func TestMSRDeviceErrors(t *testing.T) {
	// file ends before the MPERF register
	fakeMSRDevice(t, "0", 42, 0, 0x20)

	_, err := openMSRDevice(1)
	assert.Error(t, err)

	reader, err := openMSRDevice(0)
	require.NoError(t, err)
	defer reader.close()

	_, _, err = reader.readCounters()
	assert.ErrorContains(t, err, "msr 0xe7")
}

func TestMSRClientOverDevice(t *testing.T) {
	fakeMSRDevice(t, "0", 10000, 2500, 0x100)

	client := NewMSRClient(ctrl.Log.WithName("testing"), []uint{0, 1})
	defer client.Close()

	idle, wall, err := client.Sample(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(7500), idle)
	assert.Equal(t, uint64(10000), wall)

	// no device node for cpu 1
	_, _, err = client.Sample(1)
	assert.ErrorIs(t, err, ErrMetricMissing)
}
