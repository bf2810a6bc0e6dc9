package railmgr

import (
	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"

	"golang.org/x/xerrors"
)

// OperatorApproval records what a client has delegated to an operator
// for one asset: whether the operator may create rails at all, ceilings
// on the total payment rate and lockup it may commit, and an optional
// ceiling on the lockup period of any single rail.
//
// The allowances are overwritten wholesale by the client; the usage
// counters are maintained exclusively by the engine and survive
// re-approval, otherwise live commitments would be lost.
type OperatorApproval struct {
	Asset    address.Address
	Client   address.Address
	Operator address.Address

	Approved        bool
	RateAllowance   big.Int
	LockupAllowance big.Int
	RateUsage       big.Int
	LockupUsage     big.Int

	// MaxLockupPeriod caps the lockup period an operator may set on a
	// rail. Zero means no ceiling.
	MaxLockupPeriod abi.ChainEpoch
}

func newOperatorApproval(asset, client, operator address.Address) *OperatorApproval {
	return &OperatorApproval{
		Asset:           asset,
		Client:          client,
		Operator:        operator,
		RateAllowance:   big.Zero(),
		LockupAllowance: big.Zero(),
		RateUsage:       big.Zero(),
		LockupUsage:     big.Zero(),
	}
}

// increaseRateUsage commits amt of additional payment rate, failing if
// the operator would exceed the client's rate allowance.
func (oa *OperatorApproval) increaseRateUsage(amt big.Int) error {
	next := big.Add(oa.RateUsage, amt)
	if next.GreaterThan(oa.RateAllowance) {
		return xerrors.Errorf("rate usage %s + %s exceeds allowance %s: %w",
			oa.RateUsage, amt, oa.RateAllowance, ErrAllowanceExceeded)
	}
	oa.RateUsage = next
	return nil
}

func (oa *OperatorApproval) decreaseRateUsage(amt big.Int) error {
	if oa.RateUsage.LessThan(amt) {
		return xerrors.Errorf("rate usage %s underflows by %s: %w", oa.RateUsage, amt, ErrInvariantViolated)
	}
	oa.RateUsage = big.Sub(oa.RateUsage, amt)
	return nil
}

// increaseLockupUsage commits amt of additional lockup, failing if the
// operator would exceed the client's lockup allowance.
func (oa *OperatorApproval) increaseLockupUsage(amt big.Int) error {
	next := big.Add(oa.LockupUsage, amt)
	if next.GreaterThan(oa.LockupAllowance) {
		return xerrors.Errorf("lockup usage %s + %s exceeds allowance %s: %w",
			oa.LockupUsage, amt, oa.LockupAllowance, ErrAllowanceExceeded)
	}
	oa.LockupUsage = next
	return nil
}

func (oa *OperatorApproval) decreaseLockupUsage(amt big.Int) error {
	if oa.LockupUsage.LessThan(amt) {
		return xerrors.Errorf("lockup usage %s underflows by %s: %w", oa.LockupUsage, amt, ErrInvariantViolated)
	}
	oa.LockupUsage = big.Sub(oa.LockupUsage, amt)
	return nil
}
