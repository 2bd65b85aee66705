package sandwich

import (
	"context"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/go-utils/cli"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var testPostgresDSN = cli.GetEnv("TEST_POSTGRES_DSN", "")

func newTestDBBackend(t *testing.T) *DBBackend {
	t.Helper()
	if testPostgresDSN == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	schema, err := os.ReadFile("../sql/001_sandwich.sql")
	require.NoError(t, err)

	b, err := NewDBBackend(testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	_, err = b.db.Exec(string(schema))
	require.NoError(t, err)
	return b
}

func TestDBBackendTrades(t *testing.T) {
	b := newTestDBBackend(t)
	ctx := context.Background()

	hash := common.HexToHash("0x0102030405060708091011121314151617181920212223242526272829303132")
	_, err := b.db.Exec("DELETE FROM sandwich_trade WHERE bundle_hash = $1", hash.Bytes())
	require.NoError(t, err)

	since := time.Now().UTC().Add(-time.Second)
	loss, ok := new(big.Int).SetString("-1234567890123456789012", 10)
	require.True(t, ok)
	require.NoError(t, b.InsertTrade(ctx, Trade{Timestamp: time.Now(), ProfitLoss: loss, BundleHash: hash}))
	require.NoError(t, b.InsertTrade(ctx, Trade{Timestamp: time.Now(), ProfitLoss: big.NewInt(5), BundleHash: hash}))
	require.NoError(t, b.InsertTrade(ctx, Trade{Timestamp: since.Add(-48 * time.Hour), ProfitLoss: big.NewInt(-1), BundleHash: hash}))

	trades, err := b.TradesSince(ctx, since)
	require.NoError(t, err)
	var ours []Trade
	for _, tr := range trades {
		if tr.BundleHash == hash {
			ours = append(ours, tr)
		}
	}
	require.Len(t, ours, 2)
	require.Equal(t, loss, ours[0].ProfitLoss)
	require.Equal(t, big.NewInt(5), ours[1].ProfitLoss)
}

func TestDBBackendBundles(t *testing.T) {
	b := newTestDBBackend(t)
	ctx := context.Background()

	opp := testOpportunity(t)
	opp.NetProfit = uint256.NewInt(350)
	opp.GasCost = uint256.NewInt(120)
	bundle := testBundle(t)
	_, err := b.db.Exec("DELETE FROM sandwich_bundle WHERE hash = $1", bundle.Hash().Bytes())
	require.NoError(t, err)

	record := NewBundleRecord(bundle, opp, successfulSimulation(), SubmitResult{AcceptedBy: []string{"a", "b"}}, time.Now())
	require.NoError(t, b.InsertBundle(ctx, record))
	// inserting the same bundle twice is a no-op
	require.NoError(t, b.InsertBundle(ctx, record))

	require.NoError(t, b.UpdateBundleOutcome(ctx, bundle.Hash(), BundleStatusIncluded, big.NewInt(1_500_000_000_000_000_000)))

	var stored DBBundle
	err = b.db.Get(&stored, "SELECT * FROM sandwich_bundle WHERE hash = $1", bundle.Hash().Bytes())
	require.NoError(t, err)
	require.Equal(t, string(BundleStatusIncluded), stored.Status)
	require.Equal(t, "a,b", stored.AcceptedBy.String)
	require.Equal(t, int64(bundle.TargetBlock()), stored.TargetBlock)
	require.Equal(t, bundle.VictimHash().Bytes(), stored.VictimHash)
	require.True(t, stored.RealizedProfit.Valid)
	require.Equal(t, "1.500000000000000000", stored.RealizedProfit.String)
}

func TestDBIntToEth(t *testing.T) {
	require.Equal(t, "0.000000000000000350", dbIntToEth(big.NewInt(350)))
	require.Equal(t, "-2.000000000000000000", dbIntToEth(big.NewInt(-2e18)))
}
