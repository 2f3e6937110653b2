package tx

import (
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"salaryflow/ledger"
)

// StreamScope keys orchestrators that act on one stream.
func StreamScope(id *big.Int) string {
	if id == nil {
		return "stream:"
	}
	return "stream:" + id.String()
}

// AccountScope keys orchestrators that act on behalf of one account, such as
// stream creation where no stream id exists yet.
func AccountScope(account common.Address) string {
	return "account:" + strings.ToLower(account.Hex())
}

// AllowanceScope keys orchestrators that approve one (token, owner, spender) tuple.
func AllowanceScope(token, owner, spender common.Address) string {
	return strings.Join([]string{"allowance", strings.ToLower(token.Hex()), strings.ToLower(owner.Hex()), strings.ToLower(spender.Hex())}, ":")
}

type registryKey struct {
	scope string
	kind  Kind
}

// Entry pairs a registry key with the orchestrator's current state.
type Entry struct {
	Scope   string  `json:"scope"`
	Pending Pending `json:"pending"`
}

// Registry lazily creates one orchestrator per (scope, kind) pair so that
// unrelated resources never block each other.
type Registry struct {
	confirmer ledger.Confirmer
	opts      []Option

	mu            sync.Mutex
	orchestrators map[registryKey]*Orchestrator
}

// NewRegistry builds an empty registry; opts apply to every orchestrator.
func NewRegistry(confirmer ledger.Confirmer, opts ...Option) *Registry {
	return &Registry{
		confirmer:     confirmer,
		opts:          opts,
		orchestrators: make(map[registryKey]*Orchestrator),
	}
}

// Get returns the orchestrator for (scope, kind), creating it on first use.
func (r *Registry) Get(scope string, kind Kind) *Orchestrator {
	key := registryKey{scope: scope, kind: kind}
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.orchestrators[key]; ok {
		return o
	}
	o := New(kind, r.confirmer, r.opts...)
	r.orchestrators[key] = o
	return o
}

// Lookup returns the orchestrator for (scope, kind) without creating one.
func (r *Registry) Lookup(scope string, kind Kind) (*Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orchestrators[registryKey{scope: scope, kind: kind}]
	return o, ok
}

// Active lists every orchestrator that is not idle, ordered by scope then kind.
func (r *Registry) Active() []Entry {
	r.mu.Lock()
	keys := make([]registryKey, 0, len(r.orchestrators))
	for key := range r.orchestrators {
		keys = append(keys, key)
	}
	r.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].scope != keys[j].scope {
			return keys[i].scope < keys[j].scope
		}
		return keys[i].kind < keys[j].kind
	})

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		o, ok := r.Lookup(key.scope, key.kind)
		if !ok {
			continue
		}
		if snapshot := o.Snapshot(); snapshot.State != StateIdle {
			entries = append(entries, Entry{Scope: key.scope, Pending: snapshot})
		}
	}
	return entries
}
