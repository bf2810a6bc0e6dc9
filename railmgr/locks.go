package railmgr

import (
	"fmt"
	"sync"

	"github.com/filecoin-project/go-address"

	"golang.org/x/xerrors"
)

// entityLocks hands out try-locks keyed by entity (a rail, an escrow
// account). Acquisition fails fast instead of blocking: a second
// operation on the same entity, including a reentrant call made from
// inside a token transfer, gets ErrOperationInProgress rather than a
// queue slot, so interleaved mutation of a rail's terms or an account's
// lockup accounting cannot happen.
type entityLocks struct {
	lk   sync.Mutex
	held map[string]struct{}
}

func newEntityLocks() *entityLocks {
	return &entityLocks{held: make(map[string]struct{})}
}

// acquire try-locks every key, or none of them. The returned release
// function must be called on every exit path.
func (el *entityLocks) acquire(keys ...string) (func(), error) {
	el.lk.Lock()
	defer el.lk.Unlock()

	for _, k := range keys {
		if _, busy := el.held[k]; busy {
			return nil, xerrors.Errorf("%s: %w", k, ErrOperationInProgress)
		}
	}
	for _, k := range keys {
		el.held[k] = struct{}{}
	}

	return func() {
		el.lk.Lock()
		defer el.lk.Unlock()
		for _, k := range keys {
			delete(el.held, k)
		}
	}, nil
}

func railLockKey(id uint64) string {
	return fmt.Sprintf("rail/%d", id)
}

func accountLockKey(asset, owner address.Address) string {
	return fmt.Sprintf("account/%s/%s", asset, owner)
}
