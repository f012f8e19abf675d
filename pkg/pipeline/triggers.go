package pipeline

import (
	"sort"

	"github.com/kagami-chain/kagami/pkg/wsv"
)

// runTimeTriggers fires every due time-scheduled trigger as part of
// applying a block. Due-ness is a pure function of the block's creation
// timestamp and the trigger's schedule (FiredCount is the cursor), so
// every peer fires the same triggers the same number of times for the
// same block.
func (p *Pipeline) runTimeTriggers(wtx *wsv.WriteTx, blockTimeMillis int64, height uint64) {
	ids := make([]string, 0)
	for id, t := range wtx.Triggers() {
		if t.Filter.Kind == "time" && t.Filter.Schedule != nil {
			ids = append(ids, string(id))
		}
	}
	sort.Strings(ids)

	for _, raw := range ids {
		id := wsv.TriggerID(raw)
		for {
			t, ok := wtx.Trigger(id)
			if !ok {
				break // exhausted and unregistered by fireTrigger
			}
			start := t.Filter.Schedule.StartMillis
			if start == 0 {
				start = p.genesisTime
			}
			period := t.Filter.Schedule.PeriodMillis
			if period <= 0 || blockTimeMillis <= start {
				break
			}
			due := uint64((blockTimeMillis - start) / period)
			if t.FiredCount >= due {
				break
			}
			sp := wtx.Savepoint()
			if err := p.fireTrigger(wtx, id, height); err != nil {
				wtx.RestoreTo(sp)
				if p.Logger != nil {
					p.Logger.Warnw("time_trigger_failed", "trigger", id, "err", err)
				}
				break
			}
		}
	}
}
