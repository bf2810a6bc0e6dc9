package railmgr

import (
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"

	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-payments/metrics"
)

// SettlementResult reports how far one settlement call progressed.
// TotalSettled is the amount actually transferred payer->payee, which
// an arbiter may have reduced below the nominal rate-times-epochs.
type SettlementResult struct {
	TotalSettled big.Int
	SettledUpTo  abi.ChainEpoch
	Note         string
}

// SettleRail advances a rail's settled marker up to untilEpoch,
// transferring accrued payments from the payer's escrow to the payee's.
// Anyone may call it. Settlement may stop short of untilEpoch: it never
// outruns the payer's proven collateral, a terminated rail's terminal
// horizon, or an arbiter that grants only partial progress; callers
// re-invoke later to continue. Calling again for an epoch already
// settled is a no-op.
func (m *Manager) SettleRail(ctx context.Context, railID uint64, untilEpoch abi.ChainEpoch) (SettlementResult, error) {
	return m.settleRail(ctx, railID, untilEpoch, false, address.Undef)
}

// SettleTerminatedRailWithoutArbitration settles a terminated rail past
// its terminal horizon in full, skipping the arbiter. Only the payee
// may call it. It exists as an escape hatch against a malfunctioning
// arbiter that would otherwise strand the payee's reserved funds.
func (m *Manager) SettleTerminatedRailWithoutArbitration(ctx context.Context, caller address.Address, railID uint64) (SettlementResult, error) {
	return m.settleRail(ctx, railID, 0, true, caller)
}

func (m *Manager) settleRail(ctx context.Context, railID uint64, untilEpoch abi.ChainEpoch, skipArbitration bool, caller address.Address) (SettlementResult, error) {
	now, err := m.clock.CurrentEpoch(ctx)
	if err != nil {
		return SettlementResult{}, err
	}
	if !skipArbitration && untilEpoch > now {
		return SettlementResult{}, xerrors.Errorf("cannot settle up to future epoch %d (now %d)", untilEpoch, now)
	}

	release, err := m.locks.acquire(railLockKey(railID))
	if err != nil {
		return SettlementResult{}, err
	}
	defer release()

	tx := m.store.begin()
	rail, err := tx.rail(ctx, railID)
	if err != nil {
		return SettlementResult{}, err
	}

	if skipArbitration {
		// Checked under the guard so the rail cannot change between
		// authorization and settlement.
		if caller != rail.To {
			return SettlementResult{}, xerrors.Errorf("only the payee may settle without arbitration: %w", ErrNotAuthorized)
		}
		if !rail.Terminated() || now <= rail.TerminalHorizon() {
			return SettlementResult{}, xerrors.Errorf("rail %d is not past its terminal horizon", railID)
		}
		untilEpoch = rail.TerminalHorizon()
	}

	relAcct, err := m.locks.acquire(accountLockKey(rail.Asset, rail.From), accountLockKey(rail.Asset, rail.To))
	if err != nil {
		return SettlementResult{}, err
	}
	defer relAcct()

	payer, err := tx.account(ctx, rail.Asset, rail.From)
	if err != nil {
		return SettlementResult{}, err
	}
	payee, err := tx.account(ctx, rail.Asset, rail.To)
	if err != nil {
		return SettlementResult{}, err
	}
	oa, err := tx.approval(ctx, rail.Asset, rail.From, rail.Operator)
	if err != nil {
		return SettlementResult{}, err
	}

	watermark, _ := payer.settleLockup(now)

	res, err := m.runSettlement(ctx, tx, rail, payer, payee, oa, settleParams{
		now:             now,
		target:          untilEpoch,
		watermark:       watermark,
		skipArbitration: skipArbitration,
	})
	if err != nil {
		return SettlementResult{}, err
	}

	if err := tx.commit(ctx); err != nil {
		return SettlementResult{}, err
	}

	metrics.RecordSettlement(ctx, rail.Asset.String(), res.TotalSettled)
	return res, nil
}

type settleParams struct {
	now             abi.ChainEpoch
	target          abi.ChainEpoch
	watermark       abi.ChainEpoch
	skipArbitration bool
}

// runSettlement walks a rail's unsettled span segment by segment. Each
// segment's rate and upper bound come from the head of the rate-change
// queue until it is empty, then from the rail's current rate. The whole
// walk either commits through the caller's transaction or aborts with
// no effect.
func (m *Manager) runSettlement(ctx context.Context, tx *stateTx, rail *RailState, payer, payee *Account, oa *OperatorApproval, p settleParams) (SettlementResult, error) {
	res := SettlementResult{TotalSettled: big.Zero(), SettledUpTo: rail.SettledUpTo}

	if rail.Terminated() && rail.SettledUpTo >= rail.TerminalHorizon() {
		if err := m.finalizeRail(ctx, tx, rail, payer, oa); err != nil {
			return SettlementResult{}, err
		}
		res.Note = "rail fully settled and finalized"
		return res, nil
	}

	target := p.target
	if rail.Terminated() && target > rail.TerminalHorizon() {
		target = rail.TerminalHorizon()
	}
	// Settlement can never outrun the payer's proven collateral.
	if bound := p.watermark + rail.LockupPeriod; target > bound {
		target = bound
	}

	if target <= rail.SettledUpTo {
		res.Note = "already settled up to requested epoch"
		return res, nil
	}

	for rail.SettledUpTo < target {
		segStart := rail.SettledUpTo
		rate := rail.PaymentRate
		segEnd := target

		head, queued := rail.RateQueue.Peek()
		if queued {
			if head.UntilEpoch <= segStart {
				return SettlementResult{}, xerrors.Errorf("rate queue head ends at %d, already settled to %d: %w", head.UntilEpoch, segStart, ErrInvariantViolated)
			}
			rate = head.Rate
			if head.UntilEpoch < segEnd {
				segEnd = head.UntilEpoch
			}
		}

		if rate.IsZero() {
			rail.SettledUpTo = segEnd
			if queued && segEnd >= head.UntilEpoch {
				rail.RateQueue.Dequeue()
			}
			continue
		}

		nominal := big.Mul(rate, big.NewInt(int64(segEnd-segStart)))

		arb := Arbiter(fullPaymentArbiter{})
		if rail.Arbiter != address.Undef && !p.skipArbitration {
			var err error
			arb, err = m.arbiters.Resolve(rail.Arbiter)
			if err != nil {
				return SettlementResult{}, xerrors.Errorf("resolving arbiter for rail %d: %w", rail.ID, err)
			}
		}

		verdict, err := arb.Arbitrate(ctx, rail.ID, nominal, segStart, segEnd)
		if err != nil {
			return SettlementResult{}, xerrors.Errorf("arbitrating rail %d segment [%d, %d): %w", rail.ID, segStart, segEnd, err)
		}
		if verdict.SettleUpto < segStart || verdict.SettleUpto > segEnd {
			return SettlementResult{}, xerrors.Errorf("arbiter settled to %d, outside segment [%d, %d]", verdict.SettleUpto, segStart, segEnd)
		}
		settledEpochs := verdict.SettleUpto - segStart
		maxAmount := big.Mul(rate, big.NewInt(int64(settledEpochs)))
		if verdict.ModifiedAmount.LessThan(big.Zero()) || verdict.ModifiedAmount.GreaterThan(maxAmount) {
			return SettlementResult{}, xerrors.Errorf("arbiter amount %s exceeds %s for %d epochs at rate %s", verdict.ModifiedAmount, maxAmount, settledEpochs, rate)
		}

		if settledEpochs == 0 {
			res.Note = noteOrDefault(verdict.Note, "arbiter made no progress")
			break
		}

		// The full per-epoch reservation is released even when the
		// arbiter discounts the transfer; the discount stays with the
		// payer as unlocked funds.
		released := maxAmount
		amount := verdict.ModifiedAmount

		if payer.Funds.LessThan(amount) {
			return SettlementResult{}, xerrors.Errorf("payer funds %s below settlement %s: %w", payer.Funds, amount, ErrInvariantViolated)
		}
		if payer.LockupCurrent.LessThan(released) {
			return SettlementResult{}, xerrors.Errorf("payer lockup %s below settlement reservation %s: %w", payer.LockupCurrent, released, ErrInvariantViolated)
		}

		payer.Funds = big.Sub(payer.Funds, amount)
		payer.LockupCurrent = big.Sub(payer.LockupCurrent, released)
		payee.Funds = big.Add(payee.Funds, amount)
		rail.SettledUpTo = verdict.SettleUpto
		res.TotalSettled = big.Add(res.TotalSettled, amount)

		if queued && rail.SettledUpTo >= head.UntilEpoch {
			rail.RateQueue.Dequeue()
		}

		if verdict.SettleUpto < segEnd {
			res.Note = noteOrDefault(verdict.Note, "arbiter granted partial settlement")
			log.Warnw("partial arbiter progress", "rail", rail.ID, "settledUpTo", rail.SettledUpTo, "note", verdict.Note)
			break
		}
		if verdict.Note != "" {
			res.Note = verdict.Note
		}
	}

	res.SettledUpTo = rail.SettledUpTo

	if rail.Terminated() && rail.SettledUpTo >= rail.TerminalHorizon() {
		if err := m.finalizeRail(ctx, tx, rail, payer, oa); err != nil {
			return SettlementResult{}, err
		}
		res.Note = noteOrDefault(res.Note, "rail fully settled and finalized")
	}

	return res, nil
}

// finalizeRail releases a terminated rail's residual fixed lockup back
// to the payer's unlocked balance and deletes the rail.
func (m *Manager) finalizeRail(ctx context.Context, tx *stateTx, rail *RailState, payer *Account, oa *OperatorApproval) error {
	fixed := rail.LockupFixed
	if payer.LockupCurrent.LessThan(fixed) {
		return xerrors.Errorf("payer lockup %s below residual fixed lockup %s: %w", payer.LockupCurrent, fixed, ErrInvariantViolated)
	}

	payer.LockupCurrent = big.Sub(payer.LockupCurrent, fixed)
	if err := oa.decreaseLockupUsage(fixed); err != nil {
		return err
	}

	rail.RateQueue.Drain()
	tx.deleteRail(rail.ID)

	metrics.RecordRailFinalized(ctx, rail.Asset.String())
	log.Infow("rail finalized", "rail", rail.ID, "releasedFixed", fixed)
	return nil
}

func noteOrDefault(note, def string) string {
	if note != "" {
		return note
	}
	return def
}
