package ledger

import (
	"fmt"
	"math/big"
	"os"

	"gopkg.in/yaml.v3"

	"artisanpay/crypto"
)

// GenesisAccount is one seeded account in the allocation file. Balances map
// asset symbols to decimal amounts.
type GenesisAccount struct {
	Address  string            `yaml:"address"`
	Balances map[string]string `yaml:"balances"`
}

// GenesisAlloc is the top-level allocation document.
type GenesisAlloc struct {
	Accounts []GenesisAccount `yaml:"accounts"`
}

// LoadGenesisFile parses a YAML allocation file.
func LoadGenesisFile(path string) (*GenesisAlloc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis alloc: %w", err)
	}
	alloc := &GenesisAlloc{}
	if err := yaml.Unmarshal(data, alloc); err != nil {
		return nil, fmt.Errorf("parse genesis alloc: %w", err)
	}
	return alloc, nil
}

var genesisMarkerKey = []byte("ledger/genesis/applied")

type genesisMarker struct {
	Applied bool
}

// ApplyGenesis mints the allocation into the ledger. The first successful
// application writes a marker key; subsequent calls against the same store
// are no-ops, so a daemon restart never re-mints the allocation.
func (l *Ledger) ApplyGenesis(alloc *GenesisAlloc) error {
	if alloc == nil {
		return nil
	}
	marker := genesisMarker{}
	applied, err := l.store.KVGet(genesisMarkerKey, &marker)
	if err != nil {
		return fmt.Errorf("genesis marker: %w", err)
	}
	if applied && marker.Applied {
		return nil
	}
	for _, account := range alloc.Accounts {
		addr, err := crypto.DecodeAddress(account.Address)
		if err != nil {
			return fmt.Errorf("genesis account %q: %w", account.Address, err)
		}
		for asset, raw := range account.Balances {
			amount, ok := new(big.Int).SetString(raw, 10)
			if !ok {
				return fmt.Errorf("genesis account %q: invalid amount %q for %s", account.Address, raw, asset)
			}
			if err := l.Mint(addr.Bytes(), asset, amount); err != nil {
				return fmt.Errorf("genesis account %q: %w", account.Address, err)
			}
		}
	}
	if err := l.store.KVPut(genesisMarkerKey, &genesisMarker{Applied: true}); err != nil {
		return fmt.Errorf("genesis marker: %w", err)
	}
	return nil
}
