package execution

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type nonceEntry struct {
	NextNonce uint64 `json:"nextNonce"`
	UpdatedAt int64  `json:"updatedAt"`
}

// NonceStore persists the next nonce per (chain, address) in nonce.json.
type NonceStore struct {
	path string
	now  func() time.Time
}

// NewNonceStore opens the nonce table under dir.
func NewNonceStore(dir string, now func() time.Time) *NonceStore {
	if now == nil {
		now = time.Now
	}
	return &NonceStore{path: filepath.Join(dir, NonceFile), now: now}
}

func nonceKey(chainID uint64, addr common.Address) string {
	return fmt.Sprintf("%d:%s", chainID, strings.ToLower(addr.Hex()))
}

func (s *NonceStore) load() (map[string]nonceEntry, error) {
	table := make(map[string]nonceEntry)
	if _, err := ReadJSON(s.path, &table); err != nil {
		return nil, err
	}
	return table, nil
}

// Reserve returns max(pending, last reserved + 1) and persists the reservation
// before returning, so a crash never hands the same nonce out twice.
func (s *NonceStore) Reserve(chainID uint64, addr common.Address, pending uint64) (uint64, error) {
	table, err := s.load()
	if err != nil {
		return 0, err
	}
	key := nonceKey(chainID, addr)
	n := max(pending, table[key].NextNonce)
	table[key] = nonceEntry{NextNonce: n + 1, UpdatedAt: s.now().UnixMilli()}
	if err := WriteJSONAtomic(s.path, table); err != nil {
		return 0, fmt.Errorf("persist nonce reservation: %w", err)
	}
	return n, nil
}

// Release returns n to the pool if it is still the latest reservation. Used
// when a transaction never reached the node.
func (s *NonceStore) Release(chainID uint64, addr common.Address, n uint64) error {
	table, err := s.load()
	if err != nil {
		return err
	}
	key := nonceKey(chainID, addr)
	entry, ok := table[key]
	if !ok || entry.NextNonce != n+1 {
		return nil
	}
	table[key] = nonceEntry{NextNonce: n, UpdatedAt: s.now().UnixMilli()}
	return WriteJSONAtomic(s.path, table)
}

// Next reports the next locally reserved nonce (0 when unknown).
func (s *NonceStore) Next(chainID uint64, addr common.Address) (uint64, error) {
	table, err := s.load()
	if err != nil {
		return 0, err
	}
	return table[nonceKey(chainID, addr)].NextNonce, nil
}
