package identity

import (
	"context"
	"sync"

	xerrors "Attest-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// Registry maps addresses to compact numeric identities. Identities are
// stable and injective; they are only used to shrink event payloads.
type Registry interface {
	IdentityOf(ctx context.Context, account common.Address) (uint64, error)
}

const CodeIdentityFailure xerrors.Code = "IDENTITY_FAILURE"

// ErrLookupFailed 表示身份注册表不可用。
var ErrLookupFailed = xerrors.New(CodeIdentityFailure, "identity lookup failed")

func init() {
	xerrors.Register(CodeIdentityFailure, xerrors.Attributes{
		Message:   "identity lookup failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// MemoryRegistry assigns identities in first-seen order starting at 1.
type MemoryRegistry struct {
	mu   sync.Mutex
	ids  map[common.Address]uint64
	next uint64
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{ids: make(map[common.Address]uint64)}
}

// IdentityOf implements Registry.
func (r *MemoryRegistry) IdentityOf(_ context.Context, account common.Address) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[account]; ok {
		return id, nil
	}
	r.next++
	r.ids[account] = r.next
	return r.next, nil
}

// Preassign pins an identity, mirroring an externally managed registry.
func (r *MemoryRegistry) Preassign(account common.Address, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids[account] = id
	if id > r.next {
		r.next = id
	}
}
