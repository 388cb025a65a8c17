package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// HashLength is the length of a hex-encoded SHA-256 digest.
const HashLength = 64

// GenesisHash is the previous hash of a tenant's first block.
var GenesisHash = strings.Repeat("0", HashLength)

// MetricsData holds the CRIES scores computed over a block's events
type MetricsData struct {
	Consistency     float64 `json:"consistency"`
	Reproducibility float64 `json:"reproducibility"`
	Integrity       float64 `json:"integrity"`
	Explainability  float64 `json:"explainability"`
	Security        float64 `json:"security"`
	RecordsAnalyzed int     `json:"records_analyzed"`
}

// Block is a sealed, hash-linked batch of audit events
type Block struct {
	Hash         string      `json:"hash"`
	PreviousHash string      `json:"previous_hash"`
	TenantID     uuid.UUID   `json:"tenant_id"`
	LamportClock int64       `json:"lamport_clock"` // max member lamport
	MerkleRoot   string      `json:"merkle_root"`
	EventIDs     []uuid.UUID `json:"event_ids"` // ordered by lamport
	Metrics      MetricsData `json:"metrics"`
	CreatedAt    time.Time   `json:"created_at"`
}

// IsValidHash reports whether s is a 64-character lowercase hex digest
func IsValidHash(s string) bool {
	if len(s) != HashLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
