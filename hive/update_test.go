package hive

import (
	"context"
	"errors"
	"testing"

	"github.com/maxpert/hive/cell"
	"github.com/maxpert/hive/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func placementTable(ids ...cell.ID) []*cell.Record {
	cells := mkCells(ids...)
	for i, c := range cells {
		c.AdvertisedTotal = 1000
		c.AdvertisedUsed = uint64(100 * (i + 1))
		c.ObservedTotal = 1000
		c.ObservedUsed = uint64(100*(i+1) + 5)
	}
	return cells
}

func TestApplyPowerOfTwo_CountMismatch(t *testing.T) {
	env := newTestEnv(t, 2, 1, mkCells(1, 2, 3), nil)

	var mismatch *CellCountMismatchError
	err := env.hive.ApplyPowerOfTwoUpdate(context.Background(), placementTable(1, 2), 1, 4)
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, 3, mismatch.Local)
	assert.Equal(t, 2, mismatch.Incoming)
	assert.Equal(t, uint64(0), env.hive.Version().Minor)
}

func TestApplyPowerOfTwo_CopiesCapacities(t *testing.T) {
	env := newTestEnv(t, 2, 1, mkCells(1, 2, 3), nil)
	env.hive.Registry().UpdateObserved(2, 5000, 1)

	require.NoError(t, env.hive.ApplyPowerOfTwoUpdate(context.Background(), placementTable(1, 2, 3), 1, 4))
	assert.Equal(t, cell.Version{Major: 1, Minor: 4}, env.hive.Version())

	peer, _ := env.hive.Registry().Lookup(3)
	assert.Equal(t, uint64(300), peer.AdvertisedUsed)
	assert.Equal(t, uint64(305), peer.ObservedUsed)

	local := env.hive.CellInfo()
	assert.Equal(t, uint64(200), local.AdvertisedUsed)
	assert.Equal(t, uint64(5000), local.ObservedTotal, "local probe result is kept")
	assert.Equal(t, 1, env.notifier.count(notify.KindPlacement))
}

func TestApplyPowerOfTwo_Idempotent(t *testing.T) {
	env := newTestEnv(t, 2, 1, mkCells(1, 2), nil)
	ctx := context.Background()

	table := placementTable(1, 2)
	require.NoError(t, env.hive.ApplyPowerOfTwoUpdate(ctx, table, 1, 7))
	first := env.hive.ExistingCells()

	require.NoError(t, env.hive.ApplyPowerOfTwoUpdate(ctx, table, 1, 7))
	assert.Equal(t, first, env.hive.ExistingCells())
	assert.Equal(t, 1, env.notifier.count(notify.KindPlacement))
}

func TestApplyPowerOfTwo_AdoptsDifferentMajor(t *testing.T) {
	env := newTestEnv(t, 2, 3, mkCells(1, 2), nil)

	require.NoError(t, env.hive.ApplyPowerOfTwoUpdate(context.Background(), placementTable(1, 2), 5, 1))
	assert.Equal(t, cell.Version{Major: 5, Minor: 1}, env.hive.Version())
	assert.Equal(t, uint64(5), env.store.currentMajor())
}

func TestChangeCellConfig(t *testing.T) {
	ctx := context.Background()
	peers := newFakePeers()
	master := newTestEnv(t, 1, 2, mkCells(1, 2, 3), peers)
	peer := newTestEnv(t, 2, 2, mkCells(1, 2, 3), peers)
	peers.receivers["10.0.0.2"] = peer.hive
	peers.setUnreachable("10.0.0.3", true)

	network := cell.Network{DomainName: "cell2.example", Subnet: "10.2.0.0/16", Gateway: "10.2.0.1"}
	err := master.hive.ChangeCellConfig(ctx, 2, network)

	var partial *PartialHiveUpdateError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, []cell.ID{3}, partial.Failed)
	assert.Equal(t, cell.StatusConfigPushFailed, statusOf(t, master.hive, 3))

	for _, env := range []*testEnv{master, peer} {
		rec, ok := env.hive.Registry().Lookup(2)
		require.True(t, ok)
		assert.Equal(t, "cell2.example", rec.DomainName)
		assert.Equal(t, "10.2.0.1", rec.Gateway)
		assert.Equal(t, uint64(2), env.store.currentMajor(), "network changes keep the major")
	}

	// Cell 3 is back: the next push clears its flag
	peers.setUnreachable("10.0.0.3", false)
	require.NoError(t, master.hive.ChangeCellConfig(ctx, 2, network))
	assert.Equal(t, cell.StatusEnabled, statusOf(t, master.hive, 3))
}

func TestChangeCellConfig_NotFound(t *testing.T) {
	env := newTestEnv(t, 1, 1, mkCells(1), nil)

	var notFound *NotFoundError
	assert.True(t, errors.As(env.hive.ChangeCellConfig(context.Background(), 7, cell.Network{}), &notFound))
}

func TestApplyPowerOfTwo_TakenAfterMembershipChangeAtSameVersion(t *testing.T) {
	env := newTestEnv(t, 3, 1, mkCells(3), nil)
	ctx := context.Background()

	// Joining sets the version without delivering a table for it
	require.NoError(t, env.hive.ApplyHiveConfig(ctx, mkCells(1, 2, 3), 5))
	require.Equal(t, cell.Version{Major: 5}, env.hive.Version())

	table := placementTable(1, 2, 3)
	require.NoError(t, env.hive.ApplyPowerOfTwoUpdate(ctx, table, 5, 0))

	total, used := advertised(t, env.hive, 2)
	assert.Equal(t, uint64(1000), total)
	assert.Equal(t, uint64(200), used)
	assert.Equal(t, 1, env.notifier.count(notify.KindPlacement))

	// Held now: the same push again is a no-op
	require.NoError(t, env.hive.ApplyPowerOfTwoUpdate(ctx, table, 5, 0))
	assert.Equal(t, 1, env.notifier.count(notify.KindPlacement))
}
