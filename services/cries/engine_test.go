package cries

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/upb/llm-audit-ledger/models"
)

func completeEvent(lamport int64) *models.AuditEvent {
	actor := uuid.New()
	e := models.NewAuditEvent(uuid.New(), models.ActionInferenceRequest, "inference")
	e.ActorID = &actor
	e.Metadata = json.RawMessage(`{"model":"gpt-4","temperature":0.2}`)
	e.Lamport = lamport
	e.HashPointer = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	return e
}

func batch(n int) []*models.AuditEvent {
	events := make([]*models.AuditEvent, n)
	for i := range events {
		events[i] = completeEvent(int64(i + 1))
	}
	return events
}

func TestScore_EmptyBatch(t *testing.T) {
	m := Score(nil)

	assert.Equal(t, 1.0, m.Consistency)
	assert.Equal(t, 1.0, m.Reproducibility)
	assert.Equal(t, 1.0, m.Integrity)
	assert.Equal(t, 1.0, m.Explainability)
	assert.Equal(t, 1.0, m.Security)
	assert.Equal(t, 0, m.RecordsAnalyzed)
}

func TestScore_CompleteBatch(t *testing.T) {
	m := Score(batch(10))

	assert.Equal(t, models.MetricsData{
		Consistency:     1,
		Reproducibility: 1,
		Integrity:       1,
		Explainability:  1,
		Security:        1,
		RecordsAnalyzed: 10,
	}, m)
}

func TestScore_Reproducibility(t *testing.T) {
	t.Run("missing metadata scores zero", func(t *testing.T) {
		events := batch(1)
		events[0].Metadata = nil

		assert.Equal(t, 0.0, Score(events).Reproducibility)
	})

	t.Run("json null counts as missing", func(t *testing.T) {
		events := batch(4)
		events[1].Metadata = json.RawMessage("null")

		assert.Equal(t, 0.75, Score(events).Reproducibility)
	})
}

func TestScore_Security(t *testing.T) {
	events := batch(10)
	events[9].ActorID = nil

	m := Score(events)
	assert.Equal(t, 0.0, m.Security)
	assert.Equal(t, 1.0, m.Consistency)
}

func TestScore_Explainability(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*models.AuditEvent)
		expected float64
	}{
		{"empty category", func(e *models.AuditEvent) { e.Category = "" }, 0.0},
		{"empty action", func(e *models.AuditEvent) { e.Action = "" }, 0.0},
		{"both present", func(e *models.AuditEvent) {}, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := batch(1)
			tt.mutate(events[0])
			assert.Equal(t, tt.expected, Score(events).Explainability)
		})
	}
}

func TestScore_Integrity(t *testing.T) {
	events := batch(4)
	events[0].HashPointer = ""
	events[1].Lamport = 0

	m := Score(events)
	assert.Equal(t, 0.5, m.Integrity)
}

func TestConsistency(t *testing.T) {
	tests := []struct {
		name     string
		lamports []int64
		expected float64
	}{
		{"single", []int64{5}, 1},
		{"strictly increasing with gaps", []int64{1, 2, 5, 9}, 1},
		{"one repeat", []int64{1, 2, 2, 3, 4}, 0.75},
		{"reversed", []int64{3, 2, 1}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := make([]*models.AuditEvent, len(tt.lamports))
			for i, l := range tt.lamports {
				events[i] = completeEvent(l)
			}
			assert.InDelta(t, tt.expected, Consistency(events), 1e-9)
		})
	}
}

func TestScore_Deterministic(t *testing.T) {
	events := batch(7)
	events[2].Metadata = nil
	events[4].Category = ""

	assert.Equal(t, Score(events), Score(events))
}
