package cmd

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-userops/core/chainio/aa"
	"github.com/AvaProtocol/ap-userops/core/chainio/reader"
	"github.com/AvaProtocol/ap-userops/core/reconciler"
	"github.com/AvaProtocol/ap-userops/core/testutil"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/userop"
)

func TestWatcherReportsOnlyChanges(t *testing.T) {
	chain := testutil.NewFakeChain(testutil.TestChainID, aa.EntryPointV07Address)
	chain.AddToken(testutil.TestToken, 6)

	account := aa.NewSmartAccount(testutil.TestSigner().Address(), aa.FactoryV07Address, aa.EntryPointV07Address, userop.V07, big.NewInt(0))
	addr := account.MustAddress()
	chain.SetBalance(addr, testutil.Ether("1"))

	lgr := testutil.GetLogger()
	w := &watcher{
		reconciler: reconciler.New(reader.New(chain, lgr, reader.DefaultOptions()), testutil.TestToken, lgr),
		account:    account,
		decimals:   6,
	}
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, w.tick(ctx, &out))
	assert.Contains(t, out.String(), "💰 Initial")

	out.Reset()
	require.NoError(t, w.tick(ctx, &out))
	assert.Empty(t, out.String(), "unchanged balances print nothing")

	chain.SetBalance(addr, testutil.Ether("0.75"))
	require.NoError(t, w.tick(ctx, &out))
	assert.Contains(t, out.String(), "changed since start")
	assert.Contains(t, out.String(), "0.25")

	out.Reset()
	chain.SetBalance(addr, testutil.Ether("2"))
	require.NoError(t, w.tick(ctx, &out))
	assert.Contains(t, out.String(), "changed since start")
	assert.Contains(t, out.String(), "balance changed outside of this flow", "incoming funds are a warning")
}
