// Package snapshot persists loaded topologies in a badger database so a
// restarted daemon can restore its last network.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz/lzma"

	"github.com/i5heu/citynet/pkg/topology"
)

// ErrNotFound is returned when no snapshot has been saved yet.
var ErrNotFound = errors.New("snapshot: not found")

var (
	keyCurrent    = []byte("topology/current")
	prefixHistory = []byte("topology/epoch/")
)

type StoreConfig struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// HistoryLimit bounds the stored epochs; 0 keeps everything.
	HistoryLimit int
	Logger       *logrus.Logger
}

func (sc *StoreConfig) checkConfig() error {
	if sc.InMemory {
		return nil
	}
	if sc.Path == "" {
		return errors.New("no path provided in configuration")
	}
	info, err := os.Stat(sc.Path)
	if os.IsNotExist(err) {
		return os.MkdirAll(sc.Path, 0o755)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}
	return nil
}

// Topology is one saved load.
type Topology struct {
	Epoch   uint64          `json:"epoch"`
	Cities  []topology.City `json:"cities"`
	Edges   []topology.Edge `json:"edges"`
	SavedAt time.Time       `json:"saved_at"`
}

type Store struct {
	config StoreConfig
	log    *logrus.Logger
	db     *badger.DB
}

func NewStore(config StoreConfig) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
		config.Logger.SetLevel(logrus.WarnLevel)
	}

	if err := config.checkConfig(); err != nil {
		return nil, fmt.Errorf("error checking config for snapshot store: %w", err)
	}

	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = config.Logger
	opts.ValueLogFileSize = 1024 * 1024 * 16
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}

	config.Logger.WithFields(logrus.Fields{
		"path":     config.Path,
		"inMemory": config.InMemory,
	}).Info("snapshot store opened")

	return &Store{config: config, log: config.Logger, db: db}, nil
}

// Save writes snap as the current topology and appends it to the history.
func (s *Store) Save(snap Topology) error {
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	packed, err := compressWithLzma(raw)
	if err != nil {
		return fmt.Errorf("compress snapshot: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(keyCurrent, packed); err != nil {
			return err
		}
		return txn.Set(historyKey(snap.SavedAt, snap.Epoch), packed)
	})
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"epoch":      snap.Epoch,
		"cities":     len(snap.Cities),
		"rawBytes":   len(raw),
		"storeBytes": len(packed),
	}).Debug("snapshot saved")

	if s.config.HistoryLimit > 0 {
		if err := s.trimHistory(s.config.HistoryLimit); err != nil {
			s.log.WithError(err).Warn("trim snapshot history")
		}
	}
	return nil
}

// Load returns the current topology or ErrNotFound.
func (s *Store) Load() (*Topology, error) {
	var packed []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyCurrent)
		if err != nil {
			return err
		}
		packed, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return decode(packed)
}

// History returns every stored snapshot, oldest first.
func (s *Store) History() ([]Topology, error) {
	var out []Topology
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixHistory
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			packed, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			snap, err := decode(packed)
			if err != nil {
				return err
			}
			out = append(out, *snap)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read snapshot history: %w", err)
	}
	return out, nil
}

func (s *Store) trimHistory(limit int) error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixHistory
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil || len(keys) <= limit {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys[:len(keys)-limit] {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Close() error {
	if !s.config.InMemory {
		if err := s.db.Sync(); err != nil {
			s.log.WithError(err).Warn("sync snapshot db")
		}
	}
	return s.db.Close()
}

// historyKey orders entries by save time, then epoch.
func historyKey(at time.Time, epoch uint64) []byte {
	k := make([]byte, 0, len(prefixHistory)+16)
	k = append(k, prefixHistory...)
	k = binary.BigEndian.AppendUint64(k, uint64(at.UnixNano()))
	k = binary.BigEndian.AppendUint64(k, epoch)
	return k
}

func decode(packed []byte) (*Topology, error) {
	raw, err := decompressWithLzma(packed)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	var snap Topology
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func compressWithLzma(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err = w.Write(data); err != nil {
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressWithLzma(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err = buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
