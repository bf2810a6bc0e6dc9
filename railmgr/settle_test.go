package railmgr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
)

func TestSettleRail(t *testing.T) {
	te := newTestEnv(t)

	te.deposit(1000)
	te.approve(100, 1000, 0)
	railID := te.createRail(address.Undef)
	te.setTerms(railID, 10, 5, 0)

	te.clock.advance(5)

	res, err := te.mgr.SettleRail(te.ctx, railID, 5)
	require.NoError(t, err)
	requireBig(t, 50, res.TotalSettled)
	require.EqualValues(t, 5, res.SettledUpTo)

	requireBig(t, 50, te.account(te.payee).Funds)
	acct := te.account(te.client)
	requireBig(t, 950, acct.Funds)
	requireBig(t, 50, acct.LockupCurrent) // the forward 5-epoch reservation

	// Settling the same span again is a no-op.
	res, err = te.mgr.SettleRail(te.ctx, railID, 5)
	require.NoError(t, err)
	require.True(t, res.TotalSettled.IsZero())
	require.EqualValues(t, 5, res.SettledUpTo)
	require.Equal(t, "already settled up to requested epoch", res.Note)
	requireBig(t, 50, te.account(te.payee).Funds)
}

func TestSettleRailFutureEpoch(t *testing.T) {
	te := newTestEnv(t)

	te.approve(100, 1000, 0)
	railID := te.createRail(address.Undef)

	_, err := te.mgr.SettleRail(te.ctx, railID, 1)
	require.Error(t, err)
}

func TestSettleUnknownRail(t *testing.T) {
	te := newTestEnv(t)
	_, err := te.mgr.SettleRail(te.ctx, 42, 0)
	require.ErrorIs(t, err, ErrRailNotFound)
}

func TestSettleStopsAtProvenCollateral(t *testing.T) {
	te := newTestEnv(t)

	te.deposit(70)
	te.approve(100, 1000, 0)
	railID := te.createRail(address.Undef)
	te.setTerms(railID, 10, 5, 0)

	// Only 7 epochs are covered by funds: the watermark sticks at 2 and
	// settlement cannot go past watermark + lockupPeriod.
	te.clock.advance(10)

	res, err := te.mgr.SettleRail(te.ctx, railID, 10)
	require.NoError(t, err)
	requireBig(t, 70, res.TotalSettled)
	require.EqualValues(t, 7, res.SettledUpTo)

	requireBig(t, 70, te.account(te.payee).Funds)
	acct := te.account(te.client)
	require.True(t, acct.Funds.IsZero())
	require.True(t, acct.LockupCurrent.IsZero())
}

func TestSettleZeroRateAdvances(t *testing.T) {
	te := newTestEnv(t)

	te.approve(100, 1000, 0)
	railID := te.createRail(address.Undef)

	te.clock.advance(5)

	res, err := te.mgr.SettleRail(te.ctx, railID, 5)
	require.NoError(t, err)
	require.True(t, res.TotalSettled.IsZero())
	require.EqualValues(t, 5, res.SettledUpTo)
	require.True(t, te.account(te.payee).Funds.IsZero())
}

func TestSettleQueuedRateSegments(t *testing.T) {
	te := newTestEnv(t)

	arb := &acceptAllArbiter{}
	te.mgr.RegisterArbiter(te.arbAddr, arb)

	te.deposit(1000)
	te.approve(100, 1000, 0)
	railID := te.createRail(te.arbAddr)
	te.setTerms(railID, 10, 5, 0)

	// Raising the rate at epoch 3 queues the old price for [0, 3).
	te.clock.advance(3)
	err := te.mgr.ModifyRailPayment(te.ctx, te.operator, railID, big.NewInt(20), big.Zero())
	require.NoError(t, err)

	te.clock.advance(2)

	res, err := te.mgr.SettleRail(te.ctx, railID, 5)
	require.NoError(t, err)
	requireBig(t, 70, res.TotalSettled) // 3*10 + 2*20
	require.EqualValues(t, 5, res.SettledUpTo)

	// The arbiter saw one segment per price.
	require.Len(t, arb.calls, 2)
	require.EqualValues(t, 0, arb.calls[0].from)
	require.EqualValues(t, 3, arb.calls[0].to)
	requireBig(t, 30, arb.calls[0].proposed)
	require.EqualValues(t, 3, arb.calls[1].from)
	require.EqualValues(t, 5, arb.calls[1].to)
	requireBig(t, 40, arb.calls[1].proposed)

	rail, err := te.mgr.GetRail(te.ctx, railID)
	require.NoError(t, err)
	require.True(t, rail.RateQueue.Empty())

	requireBig(t, 70, te.account(te.payee).Funds)
	requireBig(t, 930, te.account(te.client).Funds)
}

func TestSettleArbiterDiscount(t *testing.T) {
	te := newTestEnv(t)

	// The arbiter grants 2 of 5 epochs and pays 15 of the nominal 20.
	te.mgr.RegisterArbiter(te.arbAddr, &stubArbiter{
		verdict: func(_ big.Int, from, _ abi.ChainEpoch) ArbitrationResult {
			return ArbitrationResult{ModifiedAmount: big.NewInt(15), SettleUpto: from + 2}
		},
	})

	te.deposit(1000)
	te.approve(100, 1000, 0)
	railID := te.createRail(te.arbAddr)
	te.setTerms(railID, 10, 5, 0)

	te.clock.advance(5)

	res, err := te.mgr.SettleRail(te.ctx, railID, 5)
	require.NoError(t, err)
	requireBig(t, 15, res.TotalSettled)
	require.EqualValues(t, 2, res.SettledUpTo)
	require.Equal(t, "arbiter granted partial settlement", res.Note)

	// The full 2-epoch reservation is released even though the transfer
	// was discounted; the difference stays with the payer unlocked.
	requireBig(t, 15, te.account(te.payee).Funds)
	acct := te.account(te.client)
	requireBig(t, 985, acct.Funds)
	requireBig(t, 80, acct.LockupCurrent) // 50 + 5 accrued epochs - 20 released
}

func TestSettleArbiterNoProgress(t *testing.T) {
	te := newTestEnv(t)

	te.mgr.RegisterArbiter(te.arbAddr, &stubArbiter{
		verdict: func(_ big.Int, from, _ abi.ChainEpoch) ArbitrationResult {
			return ArbitrationResult{ModifiedAmount: big.Zero(), SettleUpto: from, Note: "payment evidence missing"}
		},
	})

	te.deposit(1000)
	te.approve(100, 1000, 0)
	railID := te.createRail(te.arbAddr)
	te.setTerms(railID, 10, 5, 0)

	te.clock.advance(5)

	res, err := te.mgr.SettleRail(te.ctx, railID, 5)
	require.NoError(t, err)
	require.True(t, res.TotalSettled.IsZero())
	require.EqualValues(t, 0, res.SettledUpTo)
	require.Equal(t, "payment evidence missing", res.Note)
	require.True(t, te.account(te.payee).Funds.IsZero())
}

func TestSettleArbiterInvalidVerdicts(t *testing.T) {
	te := newTestEnv(t)

	verdict := func(proposed big.Int, from, to abi.ChainEpoch) ArbitrationResult {
		return ArbitrationResult{ModifiedAmount: proposed, SettleUpto: to}
	}
	stub := &stubArbiter{verdict: func(proposed big.Int, from, to abi.ChainEpoch) ArbitrationResult {
		return verdict(proposed, from, to)
	}}
	te.mgr.RegisterArbiter(te.arbAddr, stub)

	te.deposit(1000)
	te.approve(100, 1000, 0)
	railID := te.createRail(te.arbAddr)
	te.setTerms(railID, 10, 5, 0)

	te.clock.advance(5)

	// Settling past the segment.
	verdict = func(proposed big.Int, _, to abi.ChainEpoch) ArbitrationResult {
		return ArbitrationResult{ModifiedAmount: proposed, SettleUpto: to + 1}
	}
	_, err := te.mgr.SettleRail(te.ctx, railID, 5)
	require.Error(t, err)

	// Paying more than the rate allows.
	verdict = func(proposed big.Int, _, to abi.ChainEpoch) ArbitrationResult {
		return ArbitrationResult{ModifiedAmount: big.Add(proposed, big.NewInt(1)), SettleUpto: to}
	}
	_, err = te.mgr.SettleRail(te.ctx, railID, 5)
	require.Error(t, err)

	// A rejected verdict leaves the rail untouched.
	rail, err := te.mgr.GetRail(te.ctx, railID)
	require.NoError(t, err)
	require.EqualValues(t, 0, rail.SettledUpTo)
	require.True(t, te.account(te.payee).Funds.IsZero())
}

func TestSettleTerminatedRailFinalizes(t *testing.T) {
	te := newTestEnv(t)

	te.deposit(1000)
	te.approve(100, 1000, 0)
	railID := te.createRail(address.Undef)
	te.setTerms(railID, 10, 5, 20)

	te.clock.advance(2)
	require.NoError(t, te.mgr.TerminateRail(te.ctx, te.client, railID))

	// Settling through the terminal horizon pays the payee for the full
	// reserved window and releases the residual fixed lockup.
	te.clock.advance(5)
	res, err := te.mgr.SettleRail(te.ctx, railID, 7)
	require.NoError(t, err)
	requireBig(t, 70, res.TotalSettled)
	require.EqualValues(t, 7, res.SettledUpTo)
	require.Equal(t, "rail fully settled and finalized", res.Note)

	requireBig(t, 70, te.account(te.payee).Funds)
	acct := te.account(te.client)
	requireBig(t, 930, acct.Funds)
	require.True(t, acct.LockupCurrent.IsZero())
	require.True(t, te.approval().LockupUsage.IsZero())

	_, err = te.mgr.GetRail(te.ctx, railID)
	require.ErrorIs(t, err, ErrRailNotFound)
}

func TestSettleTerminatedRailWithoutArbitration(t *testing.T) {
	te := newTestEnv(t)

	// An arbiter that never grants progress would strand the payee.
	te.mgr.RegisterArbiter(te.arbAddr, &stubArbiter{
		verdict: func(_ big.Int, from, _ abi.ChainEpoch) ArbitrationResult {
			return ArbitrationResult{ModifiedAmount: big.Zero(), SettleUpto: from}
		},
	})

	te.deposit(1000)
	te.approve(100, 1000, 0)
	railID := te.createRail(te.arbAddr)
	te.setTerms(railID, 10, 5, 0)

	te.clock.advance(2)
	require.NoError(t, te.mgr.TerminateRail(te.ctx, te.client, railID))

	// Not usable before the terminal horizon has passed.
	_, err := te.mgr.SettleTerminatedRailWithoutArbitration(te.ctx, te.payee, railID)
	require.Error(t, err)

	te.clock.advance(6)

	// The normal path stays stuck behind the arbiter.
	res, err := te.mgr.SettleRail(te.ctx, railID, 7)
	require.NoError(t, err)
	require.True(t, res.TotalSettled.IsZero())

	// Only the payee may take the escape hatch.
	_, err = te.mgr.SettleTerminatedRailWithoutArbitration(te.ctx, te.client, railID)
	require.ErrorIs(t, err, ErrNotAuthorized)

	res, err = te.mgr.SettleTerminatedRailWithoutArbitration(te.ctx, te.payee, railID)
	require.NoError(t, err)
	requireBig(t, 70, res.TotalSettled)
	require.EqualValues(t, 7, res.SettledUpTo)

	requireBig(t, 70, te.account(te.payee).Funds)
	_, err = te.mgr.GetRail(te.ctx, railID)
	require.ErrorIs(t, err, ErrRailNotFound)
}
