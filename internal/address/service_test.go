package address

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasgate/kasgate/internal/core"
	"github.com/kasgate/kasgate/internal/store"
)

// testKeys derives a deterministic account-level key pair from a fixed seed:
// m/44'/111111'/0' neutered (the xPub merchants register) plus the private
// form for negative tests.
func testKeys(t *testing.T) (xpub, xprv string) {
	t.Helper()

	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	require.NoError(t, err)

	account := master
	for _, step := range []uint32{44, 111111, 0} {
		account, err = account.Derive(hdkeychain.HardenedKeyStart + step)
		require.NoError(t, err)
	}
	neutered, err := account.Neuter()
	require.NoError(t, err)
	return neutered.String(), account.String()
}

func TestDeriveAddressDeterministic(t *testing.T) {
	xpub, _ := testKeys(t)
	svc, err := New("mainnet")
	require.NoError(t, err)

	first, err := svc.DeriveAddress(xpub, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), first.Index)
	assert.Equal(t, "m/44'/111111'/0'/0/0", first.Path)

	// Same inputs, same address; the chain-key cache must not change results.
	again, err := svc.DeriveAddress(xpub, 0)
	require.NoError(t, err)
	assert.Equal(t, first.Address, again.Address)

	other, err := svc.DeriveAddress(xpub, 1)
	require.NoError(t, err)
	assert.NotEqual(t, first.Address, other.Address)

	prefix, version, payload, err := Decode(first.Address)
	require.NoError(t, err)
	assert.Equal(t, PrefixMainnet, prefix)
	assert.Equal(t, VersionPubKey, version)
	assert.Len(t, payload, 32)
}

func TestDeriveAddressNetworkPrefix(t *testing.T) {
	xpub, _ := testKeys(t)
	svc, err := New("testnet")
	require.NoError(t, err)

	d, err := svc.DeriveAddress(xpub, 3)
	require.NoError(t, err)
	prefix, _, _, err := Decode(d.Address)
	require.NoError(t, err)
	assert.Equal(t, PrefixTestnet, prefix)
}

func TestDeriveAddressRejectsBadKeys(t *testing.T) {
	svc, err := New("mainnet")
	require.NoError(t, err)

	_, err = svc.DeriveAddress("not-an-xpub", 0)
	assert.True(t, core.IsValidation(err))

	_, xprv := testKeys(t)
	_, err = svc.DeriveAddress(xprv, 0)
	assert.True(t, core.IsValidation(err))
}

func TestVerifyAddress(t *testing.T) {
	xpub, _ := testKeys(t)
	svc, err := New("mainnet")
	require.NoError(t, err)

	d, err := svc.DeriveAddress(xpub, 5)
	require.NoError(t, err)

	idx, err := svc.VerifyAddress(xpub, d.Address, 10)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), idx)

	_, err = svc.VerifyAddress(xpub, d.Address, 4)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestAllocateNextIsGapless(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, t.TempDir(), "")
	require.NoError(t, err)
	defer st.Close()

	xpub, _ := testKeys(t)
	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateMerchant(ctx, &core.Merchant{
			ID:         "m1",
			XPub:       xpub,
			WebhookURL: "https://example.com/hook",
		})
	}))

	svc, err := New("mainnet")
	require.NoError(t, err)

	seen := make(map[string]bool)
	for want := uint32(0); want < 3; want++ {
		var d Derived
		require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
			var err error
			d, err = svc.AllocateNext(ctx, tx, "m1")
			return err
		}))
		assert.Equal(t, want, d.Index)
		assert.False(t, seen[d.Address], "address reuse at index %d", want)
		seen[d.Address] = true
	}

	require.NoError(t, st.WithTx(ctx, func(tx *store.Tx) error {
		m, err := tx.GetMerchant(ctx, "m1")
		if err != nil {
			return err
		}
		assert.Equal(t, uint32(3), m.NextAddressIndex)
		return nil
	}))
}
