package address

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"

	"github.com/kasgate/kasgate/internal/core"
	"github.com/kasgate/kasgate/internal/store"
)

// ExternalChain is the BIP-44 change level for receive addresses: the
// merchant xPub represents m/44'/111111'/0', and the gateway derives
// /0/index below it.
const ExternalChain uint32 = 0

// Service derives deterministic receive addresses and allocates the next
// unused index per merchant. Derivation state is cached per xPub so the
// base58 parse and the change-level child derivation happen once.
type Service struct {
	prefix Prefix
	logger *slog.Logger

	// cache maps xpub -> the derived m/44'/111111'/0'/0 extended key.
	// Read-mostly; guarded for map safety.
	mu    sync.RWMutex
	cache map[string]*hdkeychain.ExtendedKey
}

// New builds the address service for one network.
func New(network string) (*Service, error) {
	prefix, err := PrefixForNetwork(network)
	if err != nil {
		return nil, err
	}
	return &Service{
		prefix: prefix,
		logger: slog.With("component", "address"),
		cache:  make(map[string]*hdkeychain.ExtendedKey),
	}, nil
}

// Derived is the result of deriving one leaf.
type Derived struct {
	Address string
	Index   uint32
	Path    string
}

// DeriveAddress is a pure function of (xpub, index): derives the child at
// m/44'/111111'/0'/0/index and formats a network-appropriate address.
// An invalid xPub is a permanent validation error; any panic inside the
// cryptographic library is mapped to a clean error.
func (s *Service) DeriveAddress(xpub string, index uint32) (d Derived, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("derivation failed for index %d: %v", index, r)
		}
	}()

	chain, err := s.chainKey(xpub)
	if err != nil {
		return Derived{}, err
	}

	child, err := chain.Derive(index)
	if err != nil {
		return Derived{}, fmt.Errorf("derive index %d: %w", index, err)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return Derived{}, fmt.Errorf("extract public key at index %d: %w", index, err)
	}

	// Kaspa's default address form is the 32-byte x-only key (version 0).
	compressed := pub.SerializeCompressed()
	addr, err := Encode(s.prefix, VersionPubKey, compressed[1:])
	if err != nil {
		return Derived{}, err
	}

	return Derived{
		Address: addr,
		Index:   index,
		Path:    fmt.Sprintf("m/44'/111111'/0'/0/%d", index),
	}, nil
}

// AllocateNext reserves the merchant's next address index inside the given
// transaction: read next_address_index under a row lock, derive, write back
// index+1. Concurrent allocations for the same merchant serialize on the
// merchant row, so indices are gapless and duplicate-free.
func (s *Service) AllocateNext(ctx context.Context, tx *store.Tx, merchantID string) (Derived, error) {
	m, err := tx.GetMerchantForUpdate(ctx, merchantID)
	if err != nil {
		return Derived{}, fmt.Errorf("load merchant %s: %w", merchantID, err)
	}

	d, err := s.DeriveAddress(m.XPub, m.NextAddressIndex)
	if err != nil {
		return Derived{}, err
	}
	if err := tx.BumpNextAddressIndex(ctx, merchantID, m.NextAddressIndex+1); err != nil {
		return Derived{}, err
	}
	return d, nil
}

// VerifyAddress searches indices [0, maxIndex] for the one that derives the
// given address; used by recovery paths. Returns core.ErrNotFound when no
// index matches.
func (s *Service) VerifyAddress(xpub, addr string, maxIndex uint32) (uint32, error) {
	for i := uint32(0); i <= maxIndex; i++ {
		d, err := s.DeriveAddress(xpub, i)
		if err != nil {
			return 0, err
		}
		if d.Address == addr {
			return i, nil
		}
	}
	return 0, core.ErrNotFound
}

// chainKey returns the cached external-chain key for an xPub, deriving and
// caching it on first use.
func (s *Service) chainKey(xpub string) (*hdkeychain.ExtendedKey, error) {
	s.mu.RLock()
	key, ok := s.cache[xpub]
	s.mu.RUnlock()
	if ok {
		return key, nil
	}

	ext, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, core.Validationf("xpub", "not a valid extended key: %v", err)
	}
	if ext.IsPrivate() {
		return nil, core.Validationf("xpub", "extended private keys are not accepted")
	}

	chain, err := ext.Derive(ExternalChain)
	if err != nil {
		return nil, core.Validationf("xpub", "cannot derive external chain: %v", err)
	}

	s.mu.Lock()
	s.cache[xpub] = chain
	s.mu.Unlock()
	return chain, nil
}
