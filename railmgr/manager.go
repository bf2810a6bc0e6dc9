package railmgr

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
)

var log = logging.Logger("railmgr")

// TokenService moves the underlying fungible asset in and out of
// escrow custody. Transfers must be atomic; they may trigger reentrant
// callbacks into the Manager, which the per-entity guards reject.
type TokenService interface {
	// TransferIn pulls amount of asset from owner into escrow custody.
	TransferIn(ctx context.Context, asset, owner address.Address, amount big.Int) error
	// TransferOut pushes amount of asset from escrow custody to recipient.
	TransferOut(ctx context.Context, asset, recipient address.Address, amount big.Int) error
}

// ChainClock is the external epoch source driving all rate and accrual
// calculations. The engine never waits for a future epoch; callers
// re-invoke operations as the clock advances.
type ChainClock interface {
	CurrentEpoch(ctx context.Context) (abi.ChainEpoch, error)
}

// Manager is the rail lifecycle and settlement engine: escrow accounts,
// operator approvals, rails and their settlement all go through it.
// Every mutating entry point runs to completion under per-entity
// try-locks and persists its effects in a single batch, or not at all.
type Manager struct {
	store  *Store
	tokens TokenService
	clock  ChainClock

	arbiters *arbiterRegistry
	locks    *entityLocks
}

func NewManager(store *Store, tokens TokenService, clock ChainClock) *Manager {
	return &Manager{
		store:    store,
		tokens:   tokens,
		clock:    clock,
		arbiters: newArbiterRegistry(),
		locks:    newEntityLocks(),
	}
}

// RegisterArbiter makes an Arbiter implementation reachable from rails
// that reference addr as their arbiter.
func (m *Manager) RegisterArbiter(addr address.Address, arb Arbiter) {
	m.arbiters.register(addr, arb)
}

// Deposit pulls amount of asset from the caller and credits the
// beneficiary's escrow account, creating it if needed. Lockup state is
// not touched.
func (m *Manager) Deposit(ctx context.Context, caller, asset, beneficiary address.Address, amount big.Int) error {
	if asset == address.Undef || beneficiary == address.Undef {
		return xerrors.Errorf("asset and beneficiary must be set")
	}
	if amount.LessThanEqual(big.Zero()) {
		return xerrors.Errorf("deposit amount must be positive")
	}

	release, err := m.locks.acquire(accountLockKey(asset, beneficiary))
	if err != nil {
		return err
	}
	defer release()

	if err := m.tokens.TransferIn(ctx, asset, caller, amount); err != nil {
		return xerrors.Errorf("transferring %s of %s in from %s: %w", amount, asset, caller, err)
	}

	tx := m.store.begin()
	acct, err := tx.account(ctx, asset, beneficiary)
	if err != nil {
		return err
	}
	acct.Funds = big.Add(acct.Funds, amount)

	if err := tx.commit(ctx); err != nil {
		return err
	}

	log.Debugw("deposit", "asset", asset, "beneficiary", beneficiary, "amount", amount)
	return nil
}

// Withdraw moves unlocked escrow funds back to the caller.
func (m *Manager) Withdraw(ctx context.Context, caller, asset address.Address, amount big.Int) error {
	return m.WithdrawTo(ctx, caller, asset, caller, amount)
}

// WithdrawTo moves unlocked escrow funds of the caller to destination.
// It requires the caller's lockup to settle fully to the current epoch:
// while the account cannot prove its obligations are covered, nothing
// may be withdrawn, not even nominally free balance.
func (m *Manager) WithdrawTo(ctx context.Context, caller, asset, destination address.Address, amount big.Int) error {
	if destination == address.Undef {
		return xerrors.Errorf("destination must be set")
	}
	if amount.LessThanEqual(big.Zero()) {
		return xerrors.Errorf("withdrawal amount must be positive")
	}

	release, err := m.locks.acquire(accountLockKey(asset, caller))
	if err != nil {
		return err
	}
	defer release()

	tx := m.store.begin()
	acct, err := tx.account(ctx, asset, caller)
	if err != nil {
		return err
	}

	now, err := m.clock.CurrentEpoch(ctx)
	if err != nil {
		return err
	}
	if _, fullySettled := acct.settleLockup(now); !fullySettled {
		return xerrors.Errorf("cannot withdraw while obligations are uncovered: %w", ErrLockupNotSettled)
	}

	if acct.Available().LessThan(amount) {
		return xerrors.Errorf("withdrawing %s with only %s unlocked: %w", amount, acct.Available(), ErrInsufficientFunds)
	}
	acct.Funds = big.Sub(acct.Funds, amount)

	if err := tx.commit(ctx); err != nil {
		return err
	}

	if err := m.tokens.TransferOut(ctx, asset, destination, amount); err != nil {
		// The guard is still held, so the compensating credit cannot
		// race with another operation on this account.
		acct.Funds = big.Add(acct.Funds, amount)
		if cerr := tx.commit(ctx); cerr != nil {
			return xerrors.Errorf("restoring escrow after failed transfer out of %s: %w", amount, cerr)
		}
		return xerrors.Errorf("transferring %s of %s out to %s: %w", amount, asset, destination, err)
	}

	log.Debugw("withdrawal", "asset", asset, "owner", caller, "destination", destination, "amount", amount)
	return nil
}

// SetOperatorApproval overwrites the caller's delegation to operator
// for one asset. Usage counters track live commitments and are
// deliberately left untouched; revoking approval stops new rails but
// does not undo existing ones.
func (m *Manager) SetOperatorApproval(ctx context.Context, caller, asset, operator address.Address, approved bool, rateAllowance, lockupAllowance big.Int, maxLockupPeriod abi.ChainEpoch) error {
	if asset == address.Undef || operator == address.Undef {
		return xerrors.Errorf("asset and operator must be set")
	}
	if rateAllowance.LessThan(big.Zero()) || lockupAllowance.LessThan(big.Zero()) || maxLockupPeriod < 0 {
		return xerrors.Errorf("allowances must be non-negative")
	}

	release, err := m.locks.acquire(accountLockKey(asset, caller))
	if err != nil {
		return err
	}
	defer release()

	tx := m.store.begin()
	oa, err := tx.approval(ctx, asset, caller, operator)
	if err != nil {
		return err
	}

	oa.Approved = approved
	oa.RateAllowance = rateAllowance
	oa.LockupAllowance = lockupAllowance
	oa.MaxLockupPeriod = maxLockupPeriod

	return tx.commit(ctx)
}

// GetRail returns a copy of a live rail's state.
func (m *Manager) GetRail(ctx context.Context, railID uint64) (*RailState, error) {
	return m.store.GetRail(ctx, railID)
}

// GetAccount returns a copy of an escrow account as stored; lockup
// accrual since the last settling operation is not applied.
func (m *Manager) GetAccount(ctx context.Context, asset, owner address.Address) (*Account, error) {
	return m.store.GetAccount(ctx, asset, owner)
}

// GetOperatorApproval returns a copy of a client's delegation record.
func (m *Manager) GetOperatorApproval(ctx context.Context, asset, client, operator address.Address) (*OperatorApproval, error) {
	return m.store.GetApproval(ctx, asset, client, operator)
}

// AvailableFunds reports the balance an owner could withdraw right now,
// simulating lockup settlement at the current epoch without persisting
// it. Returns zero while the account cannot settle to the current
// epoch, mirroring WithdrawTo's gate.
func (m *Manager) AvailableFunds(ctx context.Context, asset, owner address.Address) (big.Int, error) {
	acct, err := m.store.GetAccount(ctx, asset, owner)
	if err != nil {
		return big.Int{}, err
	}

	now, err := m.clock.CurrentEpoch(ctx)
	if err != nil {
		return big.Int{}, err
	}

	if _, fullySettled := acct.settleLockup(now); !fullySettled {
		return big.Zero(), nil
	}
	return acct.Available(), nil
}

// ListRails returns the ids of all live rails.
func (m *Manager) ListRails(ctx context.Context) ([]uint64, error) {
	return m.store.ListRailIDs(ctx)
}
