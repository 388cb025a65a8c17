package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/upb/llm-audit-ledger/models"
)

// blockRecord is the hashed projection of a member event
type blockRecord struct {
	ID          string  `json:"id"`
	Action      string  `json:"action"`
	Category    string  `json:"category"`
	ActorID     *string `json:"actorId"`
	Lamport     int64   `json:"lamport"`
	CreatedAt   int64   `json:"createdAt"`
	HashPointer string  `json:"hashPointer"`
}

// blockData is the canonical hash input of a block. Field order is fixed by
// the struct definition.
type blockData struct {
	PreviousHash string        `json:"previousHash"`
	Records      []blockRecord `json:"records"`
	Timestamp    int64         `json:"timestamp"`
	LamportClock int64         `json:"lamportClock"`
}

// eventContent is the canonical hash input of an event's hash pointer
type eventContent struct {
	ID       string          `json:"id"`
	TenantID string          `json:"tenantId"`
	ActorID  *string         `json:"actorId"`
	Action   string          `json:"action"`
	Category string          `json:"category"`
	Status   string          `json:"status"`
	Details  json.RawMessage `json:"details"`
	Metadata json.RawMessage `json:"metadata"`
	Lamport  int64           `json:"lamport"`
	Created  int64           `json:"createdAt"`
	Previous string          `json:"previous"`
}

// BlockHash computes the SHA-256 of the canonical block data for a batch
// ordered by lamport, linked to previousHash and sealed at timestamp.
func BlockHash(previousHash string, events []*models.AuditEvent, timestamp time.Time) string {
	data := blockData{
		PreviousHash: previousHash,
		Records:      make([]blockRecord, len(events)),
		Timestamp:    timestamp.UnixMilli(),
		LamportClock: maxLamport(events),
	}
	for i, e := range events {
		data.Records[i] = blockRecord{
			ID:          e.ID.String(),
			Action:      e.Action,
			Category:    e.Category,
			ActorID:     actorString(e),
			Lamport:     e.Lamport,
			CreatedAt:   e.CreatedAt.UnixMilli(),
			HashPointer: e.HashPointer,
		}
	}
	return digest(data)
}

// EventHash computes an event's hash pointer: the digest of its content
// chained to the previous event's pointer.
func EventHash(e *models.AuditEvent, previous string) string {
	return digest(eventContent{
		ID:       e.ID.String(),
		TenantID: e.TenantID.String(),
		ActorID:  actorString(e),
		Action:   e.Action,
		Category: e.Category,
		Status:   e.Status,
		Details:  canonicalJSON(e.Details),
		Metadata: canonicalJSON(e.Metadata),
		Lamport:  e.Lamport,
		Created:  e.CreatedAt.UnixMilli(),
		Previous: previous,
	})
}

// MerkleRoot folds the events' hash pointers pairwise; an odd node is paired
// with itself. A single event's root is its own pointer.
func MerkleRoot(events []*models.AuditEvent) string {
	if len(events) == 0 {
		return models.GenesisHash
	}

	level := make([]string, len(events))
	for i, e := range events {
		level[i] = e.HashPointer
	}
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, sha256Hex([]byte(level[i]+right)))
		}
		level = next
	}
	return level[0]
}

func digest(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Only plain strings, integers and compacted JSON reach here
		panic("ledger: canonical encoding failed: " + err.Error())
	}
	return sha256Hex(data)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON re-encodes raw with sorted object keys and no insignificant
// whitespace so the digest survives stores that normalize JSON. Missing and
// null both encode as null.
func canonicalJSON(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return opaqueJSON(trimmed)
	}
	// Anything after the first value makes the payload invalid JSON
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return opaqueJSON(trimmed)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return opaqueJSON(trimmed)
	}
	return out
}

// opaqueJSON hashes invalid JSON as a string holding its exact bytes
func opaqueJSON(raw []byte) json.RawMessage {
	quoted, _ := json.Marshal(string(raw))
	return quoted
}

func actorString(e *models.AuditEvent) *string {
	if e.ActorID == nil {
		return nil
	}
	s := e.ActorID.String()
	return &s
}

func maxLamport(events []*models.AuditEvent) int64 {
	var max int64
	for _, e := range events {
		if e.Lamport > max {
			max = e.Lamport
		}
	}
	return max
}
