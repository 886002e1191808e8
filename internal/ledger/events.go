package ledger

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind 区分对外发布的三类事件。
type EventKind string

const (
	EventIssued   EventKind = "issued"
	EventRejected EventKind = "rejected"
	EventRevoked  EventKind = "revoked"
)

// Event is published exactly once per successful issuance, rejection or
// revocation, after the ledger state has been committed. Numeric identities
// come from the identity registry; addresses are kept alongside for
// subscribers that do not share that registry.
type Event struct {
	ID             string         `json:"id"`
	Kind           EventKind      `json:"kind"`
	AttestationID  uint64         `json:"attestation_id,omitempty"`
	Subject        common.Address `json:"subject"`
	Attester       common.Address `json:"attester"`
	Requester      common.Address `json:"requester"`
	SubjectID      uint64         `json:"subject_id,omitempty"`
	AttesterID     uint64         `json:"attester_id,omitempty"`
	RequesterID    uint64         `json:"requester_id,omitempty"`
	DataHash       common.Hash    `json:"data_hash"`
	RevocationLink common.Hash    `json:"revocation_link"`
	Migrated       bool           `json:"migrated,omitempty"`
	EmittedAt      time.Time      `json:"emitted_at"`
}

// Emitter receives committed events in commit order. Emit is called from a
// single delivery goroutine, never under the ledger lock; a slow emitter
// only grows the engine's backlog.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(ev Event) { f(ev) }

type discardEmitter struct{}

func (discardEmitter) Emit(Event) {}
