package metrics

import (
	"fmt"

	"github.com/go-logr/logr"
)

// Func definitions for unit testing
var (
	newMSRReaderFunc func(uint) (msrCounterReader, error) = openMSRDevice
)

// MSRClient derives idle time from the TSC and MPERF registers found in
// /dev/cpu/X/msr. TSC ticks at a constant rate all the time while MPERF only
// ticks in C0, so TSC is the wall counter and TSC - MPERF the idle counter,
// both in reference cycles. Single instance should be created using
// constructor and closed once no longer in use.
type MSRClient struct {
	readers map[uint]msrCounterReader
	log     logr.Logger
}

// NewMSRClient opens handles to every CPU in cpuIDs. CPUs whose MSR file
// cannot be opened are logged and will report ErrMetricMissing.
func NewMSRClient(log logr.Logger, cpuIDs []uint) *MSRClient {
	msr := MSRClient{
		readers: make(map[uint]msrCounterReader),
		log:     log.WithValues(sourceLogKey, "msr"),
	}

	msr.addReaders(cpuIDs)
	msr.log.V(4).Info("New MSRClient created")

	return &msr
}

func (msr *MSRClient) Close() {
	msr.log.V(4).Info("Closing all registered readers")
	for cpuId, reader := range msr.readers {
		if err := reader.close(); err != nil {
			msr.log.V(5).Info(fmt.Sprintf("error while closing reader, err: %v", err), cpuLogKey, cpuId)
		}
	}
}

// Sample returns cumulative idle and wall reference cycles for the CPU.
func (msr *MSRClient) Sample(cpuID uint) (uint64, uint64, error) {
	reader, ok := msr.readers[cpuID]
	if !ok {
		msr.log.V(5).Info(fmt.Sprintf("err: %v", ErrMetricMissing), cpuLogKey, cpuID)
		return 0, 0, ErrMetricMissing
	}
	tsc, mperf, err := reader.readCounters()
	if err != nil {
		return 0, 0, err
	}

	// MPERF is retrieved after TSC so close to 100% C0 residency it may be
	// a few cycles ahead.
	mperf = min(mperf, tsc)

	return tsc - mperf, tsc, nil
}

func (msr *MSRClient) addReaders(cpuIDs []uint) {
	for _, cpuID := range cpuIDs {
		logger := msr.log.WithValues(cpuLogKey, cpuID)

		reader, err := newMSRReaderFunc(cpuID)
		if err != nil {
			logger.Error(err, "error while creating MSR reader")
			continue
		}
		msr.readers[cpuID] = reader

		logger.V(5).Info("Initialized reader")
	}
}
