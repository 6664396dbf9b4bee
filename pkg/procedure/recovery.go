package procedure

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/metrics"
)

// RecoverOnStartup reloads every non-terminal procedure from the store and
// schedules it where it left off. Locks are re-acquired in id order, so the
// procedures on one resource resume in their original submission order.
//
// Forward procedures recovered at Prepare or Commit run Validate again
// before resuming, to rebuild their transient state. Rolling-back
// procedures resume at the phase they were undoing. A procedure whose type
// is no longer registered is persisted as failed.
//
// It returns the number of procedures scheduled.
func (e *Executor) RecoverOnStartup(ctx context.Context) (int, error) {
	recs, err := e.store.LoadAll()
	if err != nil {
		return 0, fmt.Errorf("failed to load procedures: %w", err)
	}

	recovered := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}

		state, err := stateFromRecord(rec)
		if err != nil {
			e.logger.Error().Err(err).Uint64("procedure_id", rec.ProcedureID).Msg("Skipping unreadable procedure record")
			continue
		}

		e.mu.Lock()
		_, live := e.procs[state.ID]
		stopping := e.stopping
		e.mu.Unlock()
		if stopping {
			return recovered, ErrShuttingDown
		}
		if live {
			continue
		}

		p := e.newProc(state, nil)

		op, err := e.catalogue.Build(state.Type, state.Payload)
		if err != nil {
			p.logger.Error().Err(err).Msg("Cannot rebuild procedure, marking failed")
			if err := e.abandon(p, "cannot resume: "+err.Error()); err != nil {
				return recovered, err
			}
			continue
		}
		p.op = op

		if state.Direction == Forward &&
			(state.PhaseIndex == int(PhasePrepare) || state.PhaseIndex == int(PhaseCommit)) {
			p.revalidate = true
		}

		e.mu.Lock()
		e.register(p)
		e.admit(p)
		e.mu.Unlock()

		p.logger.Info().
			Str("direction", string(state.Direction)).
			Int("phase_index", state.PhaseIndex).
			Msg("Recovered procedure")
		e.publish(events.EventProcedureRecovered, p, "procedure recovered after restart")
		metrics.ProceduresRecovered.WithLabelValues(string(state.Type)).Inc()
		recovered++
	}

	if recovered > 0 {
		e.logger.Info().Int("procedures", recovered).Msg("Recovered unfinished procedures")
	}
	return recovered, nil
}

// abandon persists p as failed without running it. p holds no lock.
func (e *Executor) abandon(p *proc, reason string) error {
	p.state.Outcome = Outcome{State: Failed, Reason: reason}
	p.state.UpdatedAt = time.Now()
	if err := e.persist(p); err != nil {
		return fmt.Errorf("failed to record procedure %d as failed: %w", p.state.ID, err)
	}
	e.complete(p)
	return nil
}
