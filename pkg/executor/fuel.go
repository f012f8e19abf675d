package executor

import "fmt"

// FuelMeter bounds the number of host-call "steps" a single invocation
// may spend, the fuel-limit resource control. Each host_submit_instruction
// and host_execute_query call costs one step; the other host imports
// cost nothing (wasmer
// 1.0's Go bindings expose no built-in metering middleware, so accounting
// happens at the host-import boundary instead of inside the compiled
// module).
type FuelMeter struct {
	used  uint64
	limit uint64
}

func NewFuelMeter(limit uint64) *FuelMeter {
	return &FuelMeter{limit: limit}
}

func (f *FuelMeter) Remaining() uint64 {
	if f.used >= f.limit {
		return 0
	}
	return f.limit - f.used
}

func (f *FuelMeter) Consume(n uint64) error {
	if f.used+n > f.limit {
		return fmt.Errorf("out of fuel (%d/%d)", f.used+n, f.limit)
	}
	f.used += n
	return nil
}

func (f *FuelMeter) Used() uint64 { return f.used }
