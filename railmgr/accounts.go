package railmgr

import (
	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
)

// Account is the escrow balance of one (asset, owner) pair. Funds are
// split into an unlocked portion, available for withdrawal, and
// LockupCurrent, reserved against future or pending rail obligations.
//
// LockupRate is the sum of the payment rates of all active rails where
// the owner is payer; it drives the lazy, watermark-based lockup
// accrual below. Accounts are created implicitly on first deposit and
// never deleted.
type Account struct {
	Asset address.Address
	Owner address.Address

	Funds         big.Int
	LockupCurrent big.Int
	LockupRate    big.Int

	// LockupLastSettledAt is the epoch up to which rate-based lockup
	// accrual has been applied.
	LockupLastSettledAt abi.ChainEpoch
}

func newAccount(asset, owner address.Address) *Account {
	return &Account{
		Asset:         asset,
		Owner:         owner,
		Funds:         big.Zero(),
		LockupCurrent: big.Zero(),
		LockupRate:    big.Zero(),
	}
}

// Available returns the balance not reserved by lockup.
func (a *Account) Available() big.Int {
	if a.LockupCurrent.GreaterThan(a.Funds) {
		return big.Zero()
	}
	return big.Sub(a.Funds, a.LockupCurrent)
}

// settleLockup applies rate-based lockup accrual from the stored
// watermark up to now. If the account cannot cover the full accrual it
// advances the watermark only over the whole epochs that are covered;
// partial epochs are never credited. Returns the new watermark and
// whether it reached now.
//
// The watermark is the central insolvency signal: every operation that
// needs the payer to be provably collateralized calls this first and
// inspects the result.
func (a *Account) settleLockup(now abi.ChainEpoch) (abi.ChainEpoch, bool) {
	elapsed := now - a.LockupLastSettledAt
	if elapsed <= 0 {
		return a.LockupLastSettledAt, a.LockupLastSettledAt >= now
	}

	if a.LockupRate.IsZero() {
		a.LockupLastSettledAt = now
		return now, true
	}

	needed := big.Mul(a.LockupRate, big.NewInt(int64(elapsed)))
	if big.Add(a.LockupCurrent, needed).LessThanEqual(a.Funds) {
		a.LockupCurrent = big.Add(a.LockupCurrent, needed)
		a.LockupLastSettledAt = now
		return now, true
	}

	// Not enough funds to accrue through now. Advance over as many
	// whole epochs as the unlocked balance covers.
	wholeEpochs := big.Div(a.Available(), a.LockupRate)
	covered := abi.ChainEpoch(wholeEpochs.Int64())

	a.LockupCurrent = big.Add(a.LockupCurrent, big.Mul(a.LockupRate, big.NewInt(int64(covered))))
	a.LockupLastSettledAt += covered
	return a.LockupLastSettledAt, false
}
