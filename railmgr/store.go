package railmgr

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	dsq "github.com/ipfs/go-datastore/query"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-storedcounter"
)

const (
	dsKeyRails     = "rails"
	dsKeyAccounts  = "accounts"
	dsKeyApprovals = "approvals"
)

// Store persists accounts, operator approvals and rails in a
// datastore. Records are JSON-encoded; rail ids come from a stored
// counter so they stay monotonic across restarts.
type Store struct {
	ds      datastore.Batching
	railIDs *storedcounter.StoredCounter
}

func NewStore(ds datastore.Batching) *Store {
	ds = namespace.Wrap(ds, datastore.NewKey("/railmgr/"))
	return &Store{
		ds:      ds,
		railIDs: storedcounter.New(ds, datastore.NewKey("/rail-id")),
	}
}

func dskeyForRail(id uint64) datastore.Key {
	return datastore.KeyWithNamespaces([]string{dsKeyRails, strconv.FormatUint(id, 10)})
}

func dskeyForAccount(asset, owner address.Address) datastore.Key {
	return datastore.KeyWithNamespaces([]string{dsKeyAccounts, asset.String(), owner.String()})
}

func dskeyForApproval(asset, client, operator address.Address) datastore.Key {
	return datastore.KeyWithNamespaces([]string{dsKeyApprovals, asset.String(), client.String(), operator.String()})
}

// NextRailID allocates a fresh, monotonically increasing rail id.
// Ids start at 1 so that zero is never a valid rail.
func (ps *Store) NextRailID(ctx context.Context) (uint64, error) {
	next, err := ps.railIDs.Next()
	if err != nil {
		return 0, xerrors.Errorf("allocating rail id: %w", err)
	}
	return next + 1, nil
}

// GetRail loads a rail record. Finalized rails are deleted from the
// store, so they report ErrRailNotFound like never-allocated ids.
func (ps *Store) GetRail(ctx context.Context, id uint64) (*RailState, error) {
	b, err := ps.ds.Get(ctx, dskeyForRail(id))
	if err == datastore.ErrNotFound {
		return nil, ErrRailNotFound
	}
	if err != nil {
		return nil, err
	}

	var rail RailState
	if err := json.Unmarshal(b, &rail); err != nil {
		return nil, xerrors.Errorf("decoding rail %d: %w", id, err)
	}
	return &rail, nil
}

// GetAccount loads an escrow account, returning a zero-valued account
// for (asset, owner) pairs that have never deposited.
func (ps *Store) GetAccount(ctx context.Context, asset, owner address.Address) (*Account, error) {
	b, err := ps.ds.Get(ctx, dskeyForAccount(asset, owner))
	if err == datastore.ErrNotFound {
		return newAccount(asset, owner), nil
	}
	if err != nil {
		return nil, err
	}

	var acct Account
	if err := json.Unmarshal(b, &acct); err != nil {
		return nil, xerrors.Errorf("decoding account %s/%s: %w", asset, owner, err)
	}
	return &acct, nil
}

// GetApproval loads an operator approval, returning an empty
// (unapproved, zero-allowance) record if the client never set one.
func (ps *Store) GetApproval(ctx context.Context, asset, client, operator address.Address) (*OperatorApproval, error) {
	b, err := ps.ds.Get(ctx, dskeyForApproval(asset, client, operator))
	if err == datastore.ErrNotFound {
		return newOperatorApproval(asset, client, operator), nil
	}
	if err != nil {
		return nil, err
	}

	var oa OperatorApproval
	if err := json.Unmarshal(b, &oa); err != nil {
		return nil, xerrors.Errorf("decoding approval %s/%s/%s: %w", asset, client, operator, err)
	}
	return &oa, nil
}

// ListRailIDs returns the ids of all live (not yet finalized) rails.
func (ps *Store) ListRailIDs(ctx context.Context) ([]uint64, error) {
	res, err := ps.ds.Query(ctx, dsq.Query{Prefix: "/" + dsKeyRails, KeysOnly: true})
	if err != nil {
		return nil, err
	}
	defer res.Close() //nolint:errcheck

	var out []uint64
	for {
		r, ok := res.NextSync()
		if !ok {
			break
		}
		if r.Error != nil {
			return nil, r.Error
		}

		idstr := strings.TrimPrefix(r.Key, "/"+dsKeyRails+"/")
		id, err := strconv.ParseUint(idstr, 10, 64)
		if err != nil {
			return nil, xerrors.Errorf("failed reading rail key (%q) from datastore: %w", r.Key, err)
		}
		out = append(out, id)
	}

	return out, nil
}

// stateTx collects the records touched by one operation and writes them
// back in a single batch at commit. Nothing is persisted until then, so
// an operation that aborts leaves no partial effect.
type stateTx struct {
	st *Store

	accounts     map[string]*Account
	approvals    map[string]*OperatorApproval
	rails        map[uint64]*RailState
	deletedRails map[uint64]struct{}
}

func (ps *Store) begin() *stateTx {
	return &stateTx{
		st:           ps,
		accounts:     make(map[string]*Account),
		approvals:    make(map[string]*OperatorApproval),
		rails:        make(map[uint64]*RailState),
		deletedRails: make(map[uint64]struct{}),
	}
}

func (tx *stateTx) account(ctx context.Context, asset, owner address.Address) (*Account, error) {
	k := dskeyForAccount(asset, owner).String()
	if acct, ok := tx.accounts[k]; ok {
		return acct, nil
	}

	acct, err := tx.st.GetAccount(ctx, asset, owner)
	if err != nil {
		return nil, err
	}
	tx.accounts[k] = acct
	return acct, nil
}

func (tx *stateTx) approval(ctx context.Context, asset, client, operator address.Address) (*OperatorApproval, error) {
	k := dskeyForApproval(asset, client, operator).String()
	if oa, ok := tx.approvals[k]; ok {
		return oa, nil
	}

	oa, err := tx.st.GetApproval(ctx, asset, client, operator)
	if err != nil {
		return nil, err
	}
	tx.approvals[k] = oa
	return oa, nil
}

func (tx *stateTx) rail(ctx context.Context, id uint64) (*RailState, error) {
	if rail, ok := tx.rails[id]; ok {
		return rail, nil
	}

	rail, err := tx.st.GetRail(ctx, id)
	if err != nil {
		return nil, err
	}
	tx.rails[id] = rail
	return rail, nil
}

// stageRail registers a newly created rail with the transaction.
func (tx *stateTx) stageRail(rail *RailState) {
	tx.rails[rail.ID] = rail
}

// deleteRail marks a finalized rail for removal at commit.
func (tx *stateTx) deleteRail(id uint64) {
	delete(tx.rails, id)
	tx.deletedRails[id] = struct{}{}
}

func (tx *stateTx) commit(ctx context.Context) error {
	b, err := tx.st.ds.Batch(ctx)
	if err != nil {
		return err
	}

	for k, acct := range tx.accounts {
		enc, err := json.Marshal(acct)
		if err != nil {
			return xerrors.Errorf("encoding account %s: %w", k, err)
		}
		if err := b.Put(ctx, datastore.NewKey(k), enc); err != nil {
			return err
		}
	}
	for k, oa := range tx.approvals {
		enc, err := json.Marshal(oa)
		if err != nil {
			return xerrors.Errorf("encoding approval %s: %w", k, err)
		}
		if err := b.Put(ctx, datastore.NewKey(k), enc); err != nil {
			return err
		}
	}
	for id, rail := range tx.rails {
		enc, err := json.Marshal(rail)
		if err != nil {
			return xerrors.Errorf("encoding rail %d: %w", id, err)
		}
		if err := b.Put(ctx, dskeyForRail(id), enc); err != nil {
			return err
		}
	}
	for id := range tx.deletedRails {
		if err := b.Delete(ctx, dskeyForRail(id)); err != nil {
			return err
		}
	}

	if err := b.Commit(ctx); err != nil {
		return xerrors.Errorf("committing state batch: %w", err)
	}
	return nil
}
