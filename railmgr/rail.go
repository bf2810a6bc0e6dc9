package railmgr

import (
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"

	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-payments/metrics"
)

// RailState is one unidirectional, rate-based payment channel from From
// (payer) to To (payee), managed by Operator and optionally gated by
// Arbiter (address.Undef when none).
//
// A rail is active while TerminationEpoch is zero. Termination freezes
// the rate and fixes a terminal horizon of TerminationEpoch +
// LockupPeriod; once settlement reaches the horizon the rail is
// finalized and its record deleted.
type RailState struct {
	ID uint64

	Asset    address.Address
	From     address.Address
	To       address.Address
	Operator address.Address
	Arbiter  address.Address

	PaymentRate  big.Int
	LockupPeriod abi.ChainEpoch
	LockupFixed  big.Int

	// SettledUpTo is the epoch up to and including which payer->payee
	// transfer has been executed. Monotonically non-decreasing.
	SettledUpTo abi.ChainEpoch

	TerminationEpoch abi.ChainEpoch

	// RateQueue holds historical rate segments for arbitrated rails
	// whose rate changed before old epochs settled.
	RateQueue RateChangeQueue
}

func (r *RailState) Terminated() bool {
	return r.TerminationEpoch > 0
}

// TerminalHorizon is the last epoch a terminated rail settles to.
func (r *RailState) TerminalHorizon() abi.ChainEpoch {
	return r.TerminationEpoch + r.LockupPeriod
}

// CreateRail allocates a new zero-rate, zero-lockup rail. The caller
// must be approved as an operator by the payer for the asset. No funds
// or allowance are consumed until the terms are first modified.
func (m *Manager) CreateRail(ctx context.Context, caller, asset, from, to, arbiter address.Address) (uint64, error) {
	if asset == address.Undef || from == address.Undef || to == address.Undef {
		return 0, xerrors.Errorf("asset, payer and payee must be set")
	}
	if from == to {
		return 0, xerrors.Errorf("payer and payee must differ")
	}

	now, err := m.clock.CurrentEpoch(ctx)
	if err != nil {
		return 0, err
	}

	release, err := m.locks.acquire(accountLockKey(asset, from))
	if err != nil {
		return 0, err
	}
	defer release()

	tx := m.store.begin()
	oa, err := tx.approval(ctx, asset, from, caller)
	if err != nil {
		return 0, err
	}
	if !oa.Approved {
		return 0, xerrors.Errorf("operator %s not approved by %s for asset %s: %w", caller, from, asset, ErrNotAuthorized)
	}

	id, err := m.store.NextRailID(ctx)
	if err != nil {
		return 0, err
	}

	tx.stageRail(&RailState{
		ID:          id,
		Asset:       asset,
		From:        from,
		To:          to,
		Operator:    caller,
		Arbiter:     arbiter,
		PaymentRate: big.Zero(),
		LockupFixed: big.Zero(),
		SettledUpTo: now,
	})

	if err := tx.commit(ctx); err != nil {
		return 0, err
	}

	metrics.RecordRailCreated(ctx, asset.String())
	log.Infow("rail created", "rail", id, "from", from, "to", to, "operator", caller, "arbiter", arbiter)
	return id, nil
}

// ModifyRailLockup changes a rail's lockup period and fixed lockup.
//
// On an active rail, increases require the payer's lockup to be fully
// settled to the current epoch, and a period decrease must still cover
// every elapsed-but-unsettled epoch. On a terminated rail the period is
// frozen and the fixed lockup may only decrease; that is the capital
// release path for terminated rails.
func (m *Manager) ModifyRailLockup(ctx context.Context, caller address.Address, railID uint64, period abi.ChainEpoch, fixed big.Int) error {
	if period < 0 || fixed.LessThan(big.Zero()) {
		return xerrors.Errorf("lockup period and fixed lockup must be non-negative")
	}

	now, err := m.clock.CurrentEpoch(ctx)
	if err != nil {
		return err
	}

	release, err := m.locks.acquire(railLockKey(railID))
	if err != nil {
		return err
	}
	defer release()

	tx := m.store.begin()
	rail, err := tx.rail(ctx, railID)
	if err != nil {
		return err
	}
	if caller != rail.Operator {
		return xerrors.Errorf("only the rail operator may modify lockup: %w", ErrNotAuthorized)
	}

	relAcct, err := m.locks.acquire(accountLockKey(rail.Asset, rail.From))
	if err != nil {
		return err
	}
	defer relAcct()

	payer, err := tx.account(ctx, rail.Asset, rail.From)
	if err != nil {
		return err
	}
	oa, err := tx.approval(ctx, rail.Asset, rail.From, rail.Operator)
	if err != nil {
		return err
	}

	watermark, fullySettled := payer.settleLockup(now)

	if rail.Terminated() {
		if period != rail.LockupPeriod {
			return xerrors.Errorf("lockup period of a terminated rail is frozen")
		}
		if fixed.GreaterThan(rail.LockupFixed) {
			return xerrors.Errorf("fixed lockup of a terminated rail may only decrease")
		}

		released := big.Sub(rail.LockupFixed, fixed)
		if payer.LockupCurrent.LessThan(released) {
			return xerrors.Errorf("account lockup %s below rail fixed release %s: %w", payer.LockupCurrent, released, ErrInvariantViolated)
		}
		payer.LockupCurrent = big.Sub(payer.LockupCurrent, released)
		if err := oa.decreaseLockupUsage(released); err != nil {
			return err
		}
		rail.LockupFixed = fixed

		return tx.commit(ctx)
	}

	increasing := period > rail.LockupPeriod || fixed.GreaterThan(rail.LockupFixed)
	if increasing && !fullySettled {
		return xerrors.Errorf("cannot increase lockup while under-collateralized: %w", ErrLockupNotSettled)
	}
	if period < rail.LockupPeriod && watermark+period < now {
		return xerrors.Errorf("new lockup period %d does not cover epochs unsettled since %d", period, watermark)
	}
	if period > rail.LockupPeriod && oa.MaxLockupPeriod > 0 && period > oa.MaxLockupPeriod {
		return xerrors.Errorf("lockup period %d exceeds operator ceiling %d: %w", period, oa.MaxLockupPeriod, ErrAllowanceExceeded)
	}
	if now > watermark+rail.LockupPeriod {
		return xerrors.Errorf("lockup settled only to %d with period %d: %w", watermark, rail.LockupPeriod, ErrRailInDebt)
	}

	// Only the portion of the period not already covered by account
	// accrual counts towards the reservation.
	elapsed := now - watermark
	oldLockup := big.Add(rail.LockupFixed, big.Mul(rail.PaymentRate, big.NewInt(int64(rail.LockupPeriod-elapsed))))
	newLockup := big.Add(fixed, big.Mul(rail.PaymentRate, big.NewInt(int64(period-elapsed))))

	if newLockup.GreaterThan(oldLockup) {
		delta := big.Sub(newLockup, oldLockup)
		if err := oa.increaseLockupUsage(delta); err != nil {
			return err
		}
		payer.LockupCurrent = big.Add(payer.LockupCurrent, delta)
		if payer.LockupCurrent.GreaterThan(payer.Funds) {
			return xerrors.Errorf("lockup increase of %s exceeds funds: %w", delta, ErrInsufficientFunds)
		}
	} else {
		delta := big.Sub(oldLockup, newLockup)
		if err := oa.decreaseLockupUsage(delta); err != nil {
			return err
		}
		if payer.LockupCurrent.LessThan(delta) {
			return xerrors.Errorf("account lockup %s below rail release %s: %w", payer.LockupCurrent, delta, ErrInvariantViolated)
		}
		payer.LockupCurrent = big.Sub(payer.LockupCurrent, delta)
	}

	rail.LockupPeriod = period
	rail.LockupFixed = fixed

	return tx.commit(ctx)
}

// ModifyRailPayment changes a rail's payment rate and optionally makes
// a one-time payment out of the rail's fixed lockup.
//
// Rate increases need a fully collateralized payer; rails whose payer
// has fallen behind may only lower the rate, and rails in debt may not
// change it at all. On an arbitrated rail with unsettled epochs the old
// rate is queued so those epochs still settle at their historical
// price; without an arbiter the unsettled span is settled immediately
// at the old rate.
func (m *Manager) ModifyRailPayment(ctx context.Context, caller address.Address, railID uint64, newRate, oneTimePayment big.Int) error {
	if newRate.LessThan(big.Zero()) || oneTimePayment.LessThan(big.Zero()) {
		return xerrors.Errorf("rate and one-time payment must be non-negative")
	}

	now, err := m.clock.CurrentEpoch(ctx)
	if err != nil {
		return err
	}

	release, err := m.locks.acquire(railLockKey(railID))
	if err != nil {
		return err
	}
	defer release()

	tx := m.store.begin()
	rail, err := tx.rail(ctx, railID)
	if err != nil {
		return err
	}
	if caller != rail.Operator {
		return xerrors.Errorf("only the rail operator may modify payment: %w", ErrNotAuthorized)
	}

	relAcct, err := m.locks.acquire(accountLockKey(rail.Asset, rail.From), accountLockKey(rail.Asset, rail.To))
	if err != nil {
		return err
	}
	defer relAcct()

	payer, err := tx.account(ctx, rail.Asset, rail.From)
	if err != nil {
		return err
	}
	payee, err := tx.account(ctx, rail.Asset, rail.To)
	if err != nil {
		return err
	}
	oa, err := tx.approval(ctx, rail.Asset, rail.From, rail.Operator)
	if err != nil {
		return err
	}

	watermark, fullySettled := payer.settleLockup(now)
	oldRate := rail.PaymentRate

	if rail.Terminated() {
		if now > rail.TerminalHorizon() {
			if !newRate.IsZero() || !oneTimePayment.IsZero() {
				return xerrors.Errorf("rail %d is beyond its terminal horizon and may only be zeroed", railID)
			}
		} else if newRate.GreaterThan(oldRate) {
			return xerrors.Errorf("rate of a terminated rail may only decrease")
		}
	} else if !fullySettled {
		if now > watermark+rail.LockupPeriod {
			if !newRate.Equals(oldRate) {
				return xerrors.Errorf("lockup settled only to %d with period %d: %w", watermark, rail.LockupPeriod, ErrRailInDebt)
			}
		} else if newRate.GreaterThan(oldRate) {
			return xerrors.Errorf("cannot raise rate while under-collateralized: %w", ErrLockupNotSettled)
		}
	}

	// Preserve the historical price of unsettled epochs before the new
	// rate takes effect.
	if rail.SettledUpTo < now && !newRate.Equals(oldRate) {
		if rail.Arbiter != address.Undef {
			if tail, ok := rail.RateQueue.PeekTail(); !ok || tail.UntilEpoch < now {
				rail.RateQueue.Enqueue(RateChange{Rate: oldRate, UntilEpoch: now})
			}
		} else {
			res, err := m.runSettlement(ctx, tx, rail, payer, payee, oa, settleParams{
				now:       now,
				target:    now,
				watermark: watermark,
			})
			if err != nil {
				return xerrors.Errorf("settling rail %d before rate change: %w", railID, err)
			}
			log.Debugw("settled before rate change", "rail", railID, "amount", res.TotalSettled, "settledUpTo", res.SettledUpTo)
		}
	}

	if oneTimePayment.GreaterThan(rail.LockupFixed) {
		return xerrors.Errorf("one-time payment %s exceeds fixed lockup %s", oneTimePayment, rail.LockupFixed)
	}

	if !rail.Terminated() {
		// Aggregate rate and operator rate usage track active rails only.
		if newRate.GreaterThan(oldRate) {
			diff := big.Sub(newRate, oldRate)
			if err := oa.increaseRateUsage(diff); err != nil {
				return err
			}
			payer.LockupRate = big.Add(payer.LockupRate, diff)
		} else if oldRate.GreaterThan(newRate) {
			diff := big.Sub(oldRate, newRate)
			if err := oa.decreaseRateUsage(diff); err != nil {
				return err
			}
			if payer.LockupRate.LessThan(diff) {
				return xerrors.Errorf("account lockup rate %s below rail decrease %s: %w", payer.LockupRate, diff, ErrInvariantViolated)
			}
			payer.LockupRate = big.Sub(payer.LockupRate, diff)
		}
	}

	if !newRate.Equals(oldRate) {
		// Operator usage tracks the full forward commitment
		// fixed + rate*lockupPeriod, independent of how far the payer's
		// accrual has progressed.
		if !rail.Terminated() {
			usageDelta := big.Mul(big.Sub(newRate, oldRate), big.NewInt(int64(rail.LockupPeriod)))
			if usageDelta.GreaterThan(big.Zero()) {
				if err := oa.increaseLockupUsage(usageDelta); err != nil {
					return err
				}
			} else if usageDelta.LessThan(big.Zero()) {
				if err := oa.decreaseLockupUsage(big.Sub(big.Zero(), usageDelta)); err != nil {
					return err
				}
			}
		}

		var remaining abi.ChainEpoch
		if rail.Terminated() {
			// On the arbiter path the span up to now was queued at the
			// old rate, so only [now, horizon) reprices. Without an
			// arbiter the span was just settled, advancing SettledUpTo.
			if rail.Arbiter != address.Undef {
				remaining = rail.TerminalHorizon() - now
			} else {
				remaining = rail.TerminalHorizon() - rail.SettledUpTo
			}
			if remaining < 0 {
				remaining = 0
			}
		} else {
			remaining = rail.LockupPeriod - (now - watermark)
		}

		rateDelta := big.Mul(big.Sub(newRate, oldRate), big.NewInt(int64(remaining)))
		if rateDelta.GreaterThan(big.Zero()) {
			payer.LockupCurrent = big.Add(payer.LockupCurrent, rateDelta)
			if payer.LockupCurrent.GreaterThan(payer.Funds) {
				return xerrors.Errorf("rate increase lockup %s exceeds funds: %w", rateDelta, ErrInsufficientFunds)
			}
		} else if rateDelta.LessThan(big.Zero()) {
			released := big.Sub(big.Zero(), rateDelta)
			if payer.LockupCurrent.LessThan(released) {
				return xerrors.Errorf("account lockup %s below rate release %s: %w", payer.LockupCurrent, released, ErrInvariantViolated)
			}
			payer.LockupCurrent = big.Sub(payer.LockupCurrent, released)
		}
	}

	if oneTimePayment.GreaterThan(big.Zero()) {
		// The fixed lockup reserved this amount, so it is guaranteed to
		// be covered by both funds and lockup.
		if payer.Funds.LessThan(oneTimePayment) || payer.LockupCurrent.LessThan(oneTimePayment) {
			return xerrors.Errorf("reserved fixed lockup not covered for one-time payment: %w", ErrInvariantViolated)
		}
		payer.Funds = big.Sub(payer.Funds, oneTimePayment)
		payer.LockupCurrent = big.Sub(payer.LockupCurrent, oneTimePayment)
		payee.Funds = big.Add(payee.Funds, oneTimePayment)
		rail.LockupFixed = big.Sub(rail.LockupFixed, oneTimePayment)
		if err := oa.decreaseLockupUsage(oneTimePayment); err != nil {
			return err
		}
	}

	rail.PaymentRate = newRate

	if err := tx.commit(ctx); err != nil {
		return err
	}

	log.Infow("rail payment modified", "rail", railID, "rate", newRate, "oneTime", oneTimePayment)
	return nil
}

// TerminateRail irreversibly terminates a rail. Any participant (payer,
// payee or operator) may call it, but only when the payer's lockup is
// settled to the current epoch, so that termination cannot be used to
// walk away from an existing debt. The rail's rate stops accruing new
// lockup but already reserved funds keep settling until the terminal
// horizon.
func (m *Manager) TerminateRail(ctx context.Context, caller address.Address, railID uint64) error {
	now, err := m.clock.CurrentEpoch(ctx)
	if err != nil {
		return err
	}

	release, err := m.locks.acquire(railLockKey(railID))
	if err != nil {
		return err
	}
	defer release()

	tx := m.store.begin()
	rail, err := tx.rail(ctx, railID)
	if err != nil {
		return err
	}
	if rail.Terminated() {
		return ErrRailTerminated
	}
	if caller != rail.From && caller != rail.To && caller != rail.Operator {
		return xerrors.Errorf("only a rail participant may terminate it: %w", ErrNotAuthorized)
	}

	relAcct, err := m.locks.acquire(accountLockKey(rail.Asset, rail.From))
	if err != nil {
		return err
	}
	defer relAcct()

	payer, err := tx.account(ctx, rail.Asset, rail.From)
	if err != nil {
		return err
	}
	oa, err := tx.approval(ctx, rail.Asset, rail.From, rail.Operator)
	if err != nil {
		return err
	}

	if _, fullySettled := payer.settleLockup(now); !fullySettled {
		return xerrors.Errorf("cannot terminate an under-collateralized rail: %w", ErrLockupNotSettled)
	}

	rail.TerminationEpoch = now

	if payer.LockupRate.LessThan(rail.PaymentRate) {
		return xerrors.Errorf("account lockup rate %s below rail rate %s: %w", payer.LockupRate, rail.PaymentRate, ErrInvariantViolated)
	}
	payer.LockupRate = big.Sub(payer.LockupRate, rail.PaymentRate)
	if err := oa.decreaseRateUsage(rail.PaymentRate); err != nil {
		return err
	}
	// The operator's forward lockup commitment for this rail shrinks to
	// the fixed component, which finalization releases. The payer's
	// reserved lockup is left untouched to guarantee settlement through
	// the terminal horizon.
	if err := oa.decreaseLockupUsage(big.Mul(rail.PaymentRate, big.NewInt(int64(rail.LockupPeriod)))); err != nil {
		return err
	}

	if err := tx.commit(ctx); err != nil {
		return err
	}

	metrics.RecordRailTerminated(ctx, rail.Asset.String())
	log.Infow("rail terminated", "rail", railID, "by", caller, "horizon", rail.TerminalHorizon())
	return nil
}
