package router

import "time"

// record appends a routing decision to the bounded rolling history,
// evicting the oldest entry FIFO once historyCapacity is reached.
func (r *Router) record(envelopeID string, impact float64, lane Lane) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	switch lane {
	case LaneFast:
		r.fastCount++
	case LaneDeliberation:
		r.deliCount++
	}

	rec := &historyRecord{
		EnvelopeID: envelopeID,
		Impact:     impact,
		Lane:       lane,
		RoutedAt:   time.Now().UTC(),
	}

	if len(r.history) >= historyCapacity {
		oldest := r.history[0]
		delete(r.byID, oldest.EnvelopeID)
		r.history = r.history[1:]
	}
	r.history = append(r.history, rec)
	r.byID[envelopeID] = rec
}

// estimatedWait derives a naive wait estimate for newly-queued deliberation
// envelopes from the mean processing time of recently completed
// deliberation-lane history; zero if no history exists yet.
func (r *Router) estimatedWait() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total time.Duration
	var count int
	for _, rec := range r.history {
		if rec.Lane == LaneDeliberation && rec.HasOutcome {
			total += rec.ProcessingTime
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}
