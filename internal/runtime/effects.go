// Package runtime is the deterministic execution contract workers run
// workflow code under. A workflow is a pure function of its history and
// input: anything non-deterministic must go through the effect store, which
// records first-execution results into history markers and replays them
// verbatim afterwards.
package runtime

import (
	"encoding/json"

	"github.com/edvin/orchestrator/internal/errkind"
	"github.com/edvin/orchestrator/internal/model"
)

// EffectRecord is one captured effect result: either a value or a tagged
// error, keyed by the effect ID. Serialized as MarkerRecorded event data.
type EffectRecord struct {
	Name      string          `json:"name"`
	Value     json.RawMessage `json:"value,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	ErrorMsg  string          `json:"error,omitempty"`
}

// EffectStore is the content-addressed effect log for one workflow run.
// Effects seeded from history are authoritative; producers only run for
// effect IDs never seen before, and their results are queued for emission as
// new markers.
type EffectStore struct {
	records map[string]EffectRecord
	pending []EffectRecord
}

func NewEffectStore() *EffectStore {
	return &EffectStore{records: make(map[string]EffectRecord)}
}

// SeedFromHistory loads every MarkerRecorded event's payload. Malformed
// marker data is a corrupted log, not a skippable row.
func (s *EffectStore) SeedFromHistory(events []model.HistoryEvent) error {
	for i := range events {
		if events[i].EventType != model.EventMarkerRecorded {
			continue
		}
		var rec EffectRecord
		if err := json.Unmarshal(events[i].EventData, &rec); err != nil {
			return errkind.Wrap(errkind.HistoryEvent, "decode marker event", err)
		}
		s.records[rec.Name] = rec
	}
	return nil
}

// Capture returns the recorded result for effectID if one exists; otherwise
// it runs producer exactly once, records the outcome (value or error) and
// returns it. On replay the recorded outcome wins — the producer is never
// re-run for a known effect ID.
func (s *EffectStore) Capture(effectID string, producer func() (json.RawMessage, error)) (json.RawMessage, error) {
	if rec, ok := s.records[effectID]; ok {
		return rec.result()
	}

	rec := EffectRecord{Name: effectID}
	value, err := producer()
	if err != nil {
		rec.ErrorKind = string(errkind.KindOf(err))
		rec.ErrorMsg = err.Error()
	} else {
		rec.Value = value
	}
	s.records[effectID] = rec
	s.pending = append(s.pending, rec)
	return rec.result()
}

// Recorded reports whether effectID already has a result.
func (s *EffectStore) Recorded(effectID string) bool {
	_, ok := s.records[effectID]
	return ok
}

// PendingMarkers returns the effects recorded during this execution, in
// capture order. The dispatcher appends them as MarkerRecorded events.
func (s *EffectStore) PendingMarkers() []EffectRecord {
	return s.pending
}

func (r EffectRecord) result() (json.RawMessage, error) {
	if r.ErrorKind != "" || r.ErrorMsg != "" {
		return nil, errkind.New(errkind.Kind(r.ErrorKind), r.ErrorMsg)
	}
	return r.Value, nil
}

// MarkerEventData serializes a record as MarkerRecorded event data.
func MarkerEventData(rec EffectRecord) (json.RawMessage, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "encode marker event", err)
	}
	return data, nil
}
