package railmgr

import (
	"context"
	"sync"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"

	"golang.org/x/xerrors"
)

// ArbitrationResult is an arbiter's verdict on one settlement segment.
// SettleUpto must lie within the proposed [fromEpoch, toEpoch] range
// and ModifiedAmount must not exceed the segment rate times the epochs
// actually settled; the engine rejects verdicts outside those bounds.
type ArbitrationResult struct {
	ModifiedAmount big.Int
	SettleUpto     abi.ChainEpoch
	Note           string
}

// Arbiter adjusts the amount and range actually paid for a settlement
// segment. It may discount the proposed amount or stop short of
// toEpoch; callers re-invoke settlement later to continue.
type Arbiter interface {
	Arbitrate(ctx context.Context, railID uint64, proposed big.Int, fromEpoch, toEpoch abi.ChainEpoch) (ArbitrationResult, error)
}

// ArbiterResolver maps a rail's arbiter address to a live Arbiter.
type ArbiterResolver interface {
	Resolve(addr address.Address) (Arbiter, error)
}

// fullPaymentArbiter accepts every proposed amount and range in full.
// It stands in wherever a rail has no arbiter (or arbitration is
// explicitly skipped), so settlement has a single dispatch path.
type fullPaymentArbiter struct{}

func (fullPaymentArbiter) Arbitrate(_ context.Context, _ uint64, proposed big.Int, _, toEpoch abi.ChainEpoch) (ArbitrationResult, error) {
	return ArbitrationResult{ModifiedAmount: proposed, SettleUpto: toEpoch}, nil
}

// arbiterRegistry is the default ArbiterResolver: a static in-memory
// table populated through Manager.RegisterArbiter.
type arbiterRegistry struct {
	lk       sync.RWMutex
	arbiters map[address.Address]Arbiter
}

func newArbiterRegistry() *arbiterRegistry {
	return &arbiterRegistry{arbiters: make(map[address.Address]Arbiter)}
}

func (r *arbiterRegistry) register(addr address.Address, arb Arbiter) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.arbiters[addr] = arb
}

func (r *arbiterRegistry) Resolve(addr address.Address) (Arbiter, error) {
	r.lk.RLock()
	defer r.lk.RUnlock()

	arb, ok := r.arbiters[addr]
	if !ok {
		return nil, xerrors.Errorf("no arbiter registered for %s", addr)
	}
	return arb, nil
}
