package railmgr

import (
	"context"
	"sync"
	"testing"

	ds "github.com/ipfs/go-datastore"
	ds_sync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	tutils "github.com/filecoin-project/specs-actors/support/testing"
)

type mockClock struct {
	lk    sync.Mutex
	epoch abi.ChainEpoch
}

func (c *mockClock) CurrentEpoch(_ context.Context) (abi.ChainEpoch, error) {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.epoch, nil
}

func (c *mockClock) advance(n abi.ChainEpoch) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.epoch += n
}

type tokenTransfer struct {
	asset  address.Address
	party  address.Address
	amount big.Int
}

type mockTokens struct {
	lk           sync.Mutex
	transfersIn  []tokenTransfer
	transfersOut []tokenTransfer

	// onTransferOut, when set, runs instead of recording; used to
	// simulate reentrant callbacks from the token layer.
	onTransferOut func(ctx context.Context, asset, recipient address.Address, amount big.Int) error
}

func (tt *mockTokens) TransferIn(_ context.Context, asset, owner address.Address, amount big.Int) error {
	tt.lk.Lock()
	defer tt.lk.Unlock()
	tt.transfersIn = append(tt.transfersIn, tokenTransfer{asset: asset, party: owner, amount: amount})
	return nil
}

func (tt *mockTokens) TransferOut(ctx context.Context, asset, recipient address.Address, amount big.Int) error {
	tt.lk.Lock()
	hook := tt.onTransferOut
	tt.lk.Unlock()

	if hook != nil {
		return hook(ctx, asset, recipient, amount)
	}

	tt.lk.Lock()
	defer tt.lk.Unlock()
	tt.transfersOut = append(tt.transfersOut, tokenTransfer{asset: asset, party: recipient, amount: amount})
	return nil
}

// acceptAllArbiter pays every segment in full and records the ranges it
// was consulted for.
type acceptAllArbiter struct {
	lk    sync.Mutex
	calls []arbiterCall
}

type arbiterCall struct {
	railID   uint64
	proposed big.Int
	from, to abi.ChainEpoch
}

func (a *acceptAllArbiter) Arbitrate(_ context.Context, railID uint64, proposed big.Int, from, to abi.ChainEpoch) (ArbitrationResult, error) {
	a.lk.Lock()
	defer a.lk.Unlock()
	a.calls = append(a.calls, arbiterCall{railID: railID, proposed: proposed, from: from, to: to})
	return ArbitrationResult{ModifiedAmount: proposed, SettleUpto: to}, nil
}

// stubArbiter returns a fixed verdict for every segment.
type stubArbiter struct {
	verdict func(proposed big.Int, from, to abi.ChainEpoch) ArbitrationResult
}

func (a *stubArbiter) Arbitrate(_ context.Context, _ uint64, proposed big.Int, from, to abi.ChainEpoch) (ArbitrationResult, error) {
	return a.verdict(proposed, from, to), nil
}

type testEnv struct {
	t      *testing.T
	ctx    context.Context
	mgr    *Manager
	store  *Store
	clock  *mockClock
	tokens *mockTokens

	asset    address.Address
	client   address.Address
	payee    address.Address
	operator address.Address
	arbAddr  address.Address
}

func newTestEnv(t *testing.T) *testEnv {
	store := NewStore(ds_sync.MutexWrap(ds.NewMapDatastore()))
	clock := &mockClock{}
	tokens := &mockTokens{}

	return &testEnv{
		t:      t,
		ctx:    context.Background(),
		mgr:    NewManager(store, tokens, clock),
		store:  store,
		clock:  clock,
		tokens: tokens,

		asset:    tutils.NewIDAddr(t, 100),
		client:   tutils.NewIDAddr(t, 101),
		payee:    tutils.NewIDAddr(t, 102),
		operator: tutils.NewIDAddr(t, 103),
		arbAddr:  tutils.NewIDAddr(t, 104),
	}
}

func (te *testEnv) deposit(amount int64) {
	te.t.Helper()
	err := te.mgr.Deposit(te.ctx, te.client, te.asset, te.client, big.NewInt(amount))
	require.NoError(te.t, err)
}

func (te *testEnv) approve(rateAllowance, lockupAllowance int64, maxLockupPeriod abi.ChainEpoch) {
	te.t.Helper()
	err := te.mgr.SetOperatorApproval(te.ctx, te.client, te.asset, te.operator, true,
		big.NewInt(rateAllowance), big.NewInt(lockupAllowance), maxLockupPeriod)
	require.NoError(te.t, err)
}

func (te *testEnv) createRail(arbiter address.Address) uint64 {
	te.t.Helper()
	id, err := te.mgr.CreateRail(te.ctx, te.operator, te.asset, te.client, te.payee, arbiter)
	require.NoError(te.t, err)
	return id
}

// setTerms sets the rail's lockup first and then its rate, the order an
// operator uses when bringing a fresh rail into service.
func (te *testEnv) setTerms(railID uint64, rate int64, period abi.ChainEpoch, fixed int64) {
	te.t.Helper()
	err := te.mgr.ModifyRailLockup(te.ctx, te.operator, railID, period, big.NewInt(fixed))
	require.NoError(te.t, err)
	err = te.mgr.ModifyRailPayment(te.ctx, te.operator, railID, big.NewInt(rate), big.Zero())
	require.NoError(te.t, err)
}

func (te *testEnv) account(owner address.Address) *Account {
	te.t.Helper()
	acct, err := te.mgr.GetAccount(te.ctx, te.asset, owner)
	require.NoError(te.t, err)
	return acct
}

func (te *testEnv) approval() *OperatorApproval {
	te.t.Helper()
	oa, err := te.mgr.GetOperatorApproval(te.ctx, te.asset, te.client, te.operator)
	require.NoError(te.t, err)
	return oa
}
