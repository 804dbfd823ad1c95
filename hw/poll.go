package hw

import (
	"time"

	"github.com/sarchlab/yokote/kerr"
)

// PollStep is the default delay between register probes while waiting for
// a hardware handshake.
const PollStep = 500 * time.Microsecond

// Poll evaluates read repeatedly until cond accepts the value or timeout
// passes. It returns the last value observed; on expiry the error is
// kerr.ErrTimedOut. The register is always probed at least once.
func Poll(read func() uint32, cond func(uint32) bool,
	timeout, step time.Duration) (uint32, error) {
	deadline := time.Now().Add(timeout)
	for {
		v := read()
		if cond(v) {
			return v, nil
		}
		if time.Now().After(deadline) {
			return v, kerr.ErrTimedOut
		}
		time.Sleep(step)
	}
}

// PollReg polls a single register of a file until cond holds.
func PollReg(f *RegFile, offset uint32, cond func(uint32) bool,
	timeout, step time.Duration) (uint32, error) {
	return Poll(func() uint32 { return f.Read32(offset) }, cond, timeout, step)
}
