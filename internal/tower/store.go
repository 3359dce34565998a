package tower

import (
	"encoding/json"
	"fmt"

	"github.com/lumenlabs/validator-core/internal/coretypes"
	"github.com/syndtr/goleveldb/leveldb"
)

const towerKey = "tower"

// persistedTower is the on-disk representation of a Tower, atomically
// replaced on every Save.
type persistedTower struct {
	Votes               []Lockout `json:"votes"`
	Root                coretypes.Slot `json:"root"`
	HasRoot             bool      `json:"has_root"`
	LastVoteTxBlockhash coretypes.BlockHash `json:"last_vote_tx_blockhash"`
	HasLastVoteTxHash   bool      `json:"has_last_vote_tx_hash"`
}

// Store durably persists a Tower to a single LevelDB key, overwriting the
// previous snapshot in one atomic Put. A failed Save is treated by the
// replay loop as fatal.
type Store struct {
	db *leveldb.DB
}

// OpenStore opens (or creates) the Tower's LevelDB-backed store at path.
func OpenStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("tower: open store %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying LevelDB handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save atomically replaces the persisted Tower snapshot. It must
// complete before the corresponding vote transaction is transmitted.
func (s *Store) Save(t *Tower) error {
	pt := persistedTower{
		Votes:               t.Votes(),
		Root:                t.root,
		HasRoot:             t.hasRoot,
		LastVoteTxBlockhash: t.lastVoteTxBlockhash,
		HasLastVoteTxHash:   t.hasLastVoteTxHash,
	}
	data, err := json.Marshal(pt)
	if err != nil {
		return fmt.Errorf("tower: marshal snapshot: %w", err)
	}
	if err := s.db.Put([]byte(towerKey), data, nil); err != nil {
		return fmt.Errorf("tower: persist snapshot: %w", err)
	}
	return nil
}

// Load reads back the persisted Tower, or (nil, nil) if none has ever been
// saved (a fresh validator with no voting history).
func (s *Store) Load() (*Tower, error) {
	data, err := s.db.Get([]byte(towerKey), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tower: read snapshot: %w", err)
	}
	var pt persistedTower
	if err := json.Unmarshal(data, &pt); err != nil {
		return nil, fmt.Errorf("tower: unmarshal snapshot: %w", err)
	}
	return &Tower{
		votes:               pt.Votes,
		root:                pt.Root,
		hasRoot:             pt.HasRoot,
		lastVoteTxBlockhash: pt.LastVoteTxBlockhash,
		hasLastVoteTxHash:   pt.HasLastVoteTxHash,
	}, nil
}
