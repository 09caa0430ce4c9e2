package engine

import (
	"context"

	"github.com/crowsnest-security/crowsnest/pkg/contracts"
	"github.com/crowsnest-security/crowsnest/pkg/resolver"
	"github.com/crowsnest-security/crowsnest/pkg/rules"
	"github.com/crowsnest-security/crowsnest/pkg/statemachine"
	"github.com/crowsnest-security/crowsnest/pkg/store"
)

// incidentState is a worker's working copy of one incident plus the
// observations already folded into it, so pairwise rules evaluate
// without a store round-trip per event.
type incidentState struct {
	inc          *contracts.Incident
	observations []contracts.Observation
	opened       bool
}

// shardWorker folds the events of one shard sequentially. The cache is
// batch-local; across batches incidents are resolved from the store.
type shardWorker struct {
	engine    *Engine
	incidents map[string]*incidentState
}

func (w *shardWorker) process(ctx context.Context, ev contracts.RawEvent, report *Report) error {
	e := w.engine
	key := resolver.SubjectKey(ev.Subject)

	st := w.incidents[key]
	if st != nil && ev.ObservedAt.UTC().Sub(st.inc.LastObservedAt) > e.res.Window() {
		// Window closed; the next qualifying event opens a fresh
		// incident instead of reviving this one.
		delete(w.incidents, key)
		st = nil
	}
	if st == nil {
		opens := e.eval.Table().Opens(ev.SensorKind)
		resolution, err := e.res.Resolve(ctx, ev, opens)
		if err != nil {
			return err
		}
		if resolution.Incident == nil {
			if err := e.store.MarkEventProcessed(ctx, ev.EventID); err != nil {
				return err
			}
			report.Dropped++
			return nil
		}
		st = &incidentState{inc: resolution.Incident, opened: resolution.Opened}
		if !resolution.Opened {
			if err := w.loadObservations(ctx, st); err != nil {
				return err
			}
		}
		w.incidents[key] = st
	}

	obs, err := rules.Normalize(ev)
	if err != nil {
		if !contracts.IsMalformed(err) {
			return err
		}
		if st.opened {
			// The incident existed only in memory; forget it.
			delete(w.incidents, key)
		}
		report.Quarantined++
		return e.quarantine(ctx, ev, err)
	}

	verdict := e.eval.Evaluate(obs, st.observations)
	item := contracts.EvidenceItem{
		EvidenceID:     contracts.DeriveEvidenceID(ev.EventID, st.inc.IncidentID),
		IncidentID:     st.inc.IncidentID,
		EventID:        ev.EventID,
		SensorKind:     ev.SensorKind,
		Classification: verdict.Classification,
		SignalWeight:   verdict.Weight,
		RuleKind:       string(verdict.Rule),
		ObservedAt:     ev.ObservedAt.UTC(),
	}

	if st.opened {
		st.inc.RuleTableVersion = e.eval.Table().Version
	}

	if err := e.acc.Apply(st.inc, item, verdict); err != nil {
		return err
	}

	var transitions []contracts.StageTransition
	if st.opened {
		transitions = append(transitions, statemachine.CreationTransition(st.inc, item))
	}
	advanced, err := e.machine.Advance(st.inc, item)
	if err != nil {
		return err
	}
	transitions = append(transitions, advanced...)

	set := store.CommitSet{
		Incident:    st.inc,
		Opened:      st.opened,
		Evidence:    item,
		Transitions: transitions,
		EventID:     ev.EventID,
	}
	if err := e.store.Commit(ctx, set, e.emitter); err != nil {
		return err
	}

	st.observations = append(st.observations, obs)
	report.Processed++
	if st.opened {
		report.IncidentsOpened++
		st.opened = false
	}
	report.Transitions += len(transitions)

	if e.metrics != nil {
		e.metrics.RecordFolded(ctx, ev.SensorKind)
		for _, tr := range transitions {
			e.metrics.RecordTransition(ctx, tr.FromStage, tr.ToStage)
		}
	}
	for _, tr := range transitions {
		e.logger.InfoContext(ctx, "incident stage changed",
			"incident_id", tr.IncidentID,
			"subject_key", st.inc.SubjectKey,
			"from", tr.FromStage,
			"to", tr.ToStage,
			"confidence", tr.ConfidenceAtTransition.Points(),
			"corroboration_count", st.inc.CorroborationCount)
	}
	return nil
}

// loadObservations rebuilds the rule-facing view of an incident resolved
// from the store. Raw events behind existing evidence were validated
// when first folded; one failing to normalize now indicates store
// corruption and aborts the batch.
func (w *shardWorker) loadObservations(ctx context.Context, st *incidentState) error {
	raws, err := w.engine.store.RawForIncident(ctx, st.inc.IncidentID)
	if err != nil {
		return err
	}
	for _, prior := range raws {
		obs, err := rules.Normalize(prior)
		if err != nil {
			return err
		}
		st.observations = append(st.observations, obs)
	}
	return nil
}
