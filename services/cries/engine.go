// Package cries scores a batch of audit events on the CRIES dimensions:
// consistency, reproducibility, integrity, explainability and security.
//
// Scores are in [0, 1] and depend only on the batch contents, so the same
// batch always produces the same metrics.
package cries

import (
	"github.com/google/uuid"
	"github.com/upb/llm-audit-ledger/models"
)

// Score computes the CRIES metrics for a batch ordered by lamport. An empty
// batch scores 1.0 on every dimension.
func Score(events []*models.AuditEvent) models.MetricsData {
	n := len(events)
	if n == 0 {
		return models.MetricsData{
			Consistency:     1,
			Reproducibility: 1,
			Integrity:       1,
			Explainability:  1,
			Security:        1,
		}
	}

	return models.MetricsData{
		Consistency:     Consistency(events),
		Reproducibility: fraction(events, hasReproducibilityData),
		Integrity:       fraction(events, isStructurallyComplete),
		Explainability:  fraction(events, isExplained),
		Security:        Security(events),
		RecordsAnalyzed: n,
	}
}

// Consistency is 1 minus the share of adjacent pairs whose lamport does not
// strictly increase.
func Consistency(events []*models.AuditEvent) float64 {
	if len(events) <= 1 {
		return 1
	}

	violations := 0
	for i := 1; i < len(events); i++ {
		if events[i].Lamport <= events[i-1].Lamport {
			violations++
		}
	}
	return 1 - float64(violations)/float64(len(events)-1)
}

// Security is all-or-nothing: a single unattributed event fails the batch.
func Security(events []*models.AuditEvent) float64 {
	for _, e := range events {
		if e.ActorID == nil || *e.ActorID == uuid.Nil {
			return 0
		}
	}
	return 1
}

func fraction(events []*models.AuditEvent, pass func(*models.AuditEvent) bool) float64 {
	if len(events) == 0 {
		return 1
	}

	ok := 0
	for _, e := range events {
		if pass(e) {
			ok++
		}
	}
	return float64(ok) / float64(len(events))
}

func hasReproducibilityData(e *models.AuditEvent) bool {
	return e.HasMetadata()
}

func isStructurallyComplete(e *models.AuditEvent) bool {
	return e.ID != uuid.Nil &&
		e.TenantID != uuid.Nil &&
		e.Lamport > 0 &&
		models.IsValidHash(e.HashPointer)
}

// An event missing either its category or its action explains nothing.
func isExplained(e *models.AuditEvent) bool {
	return e.Category != "" && e.Action != ""
}
