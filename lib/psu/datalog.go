package psu

import (
	"time"

	"github.com/gotmc/benchlab"
)

// Datalog is the voltage and current record of one list run.
type Datalog struct {
	Period   time.Duration
	Voltages []float64
	Currents []float64
	Errors   []*benchlab.InstrumentError // reported by SYST:ERR? after the fetch
}

// Len is the number of samples per channel.
func (d *Datalog) Len() int { return len(d.Voltages) }

// Times returns the offset of every sample from the trigger.
func (d *Datalog) Times() []time.Duration {
	ts := make([]time.Duration, d.Len())
	for i := range ts {
		ts[i] = time.Duration(i) * d.Period
	}
	return ts
}

// Sample returns sample i.
func (d *Datalog) Sample(i int) (t time.Duration, volts, amps float64) {
	return time.Duration(i) * d.Period, d.Voltages[i], d.Currents[i]
}
