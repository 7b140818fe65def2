// Package ledger is a badger-backed ledger runtime: owned accounts, atomic
// instructions and an append-only public event log.
//
// An instruction runs inside a single badger transaction. Its account writes,
// index writes and emitted events become visible together or not at all.
// Transactions touching the same keys conflict; the losing instruction is
// re-run from scratch, so instructions on the same account are serialised.
package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/medshare/pkg/errcode"
)

const (
	prefixAccount = "acct:"
	prefixIndex   = "idx:"
	prefixEvent   = "event:"
	keyEventSeq   = "meta:event-seq"
)

var ErrClosed = errors.New("ledger: closed")

// Account is an address with its owning program and raw data.
type Account struct {
	Address solana.PublicKey
	Owner   solana.PublicKey
	Data    []byte
}

type Store struct {
	config   Config
	log      *logrus.Logger
	badgerDB *badger.DB

	publishMu   sync.Mutex
	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int

	closed       atomic.Bool
	readCounter  uint64
	writeCounter uint64
	conflicts    uint64
}

// Stats are counters since Open.
type Stats struct {
	Reads     uint64
	Writes    uint64
	Conflicts uint64
}

func Open(config Config) (*Store, error) {
	if err := config.checkConfig(); err != nil {
		return nil, fmt.Errorf("error checking config for ledger: %w", err)
	}
	log := config.Logger

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(config.Paths[0])
		opts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	}
	opts = opts.WithLogger(log.WithField("component", "badger"))
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	if !config.InMemory {
		if err := logDiskUsage(log, config.Paths); err != nil {
			log.WithError(err).Warn("could not report disk usage")
		}
	}

	return &Store{
		config:      config,
		log:         log,
		badgerDB:    db,
		subscribers: make(map[int]chan Event),
	}, nil
}

// Execute runs fn as one atomic instruction. If fn returns an error nothing
// it wrote is kept.
func (s *Store) Execute(ctx context.Context, instruction string, fn func(tx *Tx) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.closed.Load() {
			return ErrClosed
		}

		err := s.executeOnce(instruction, fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		atomic.AddUint64(&s.conflicts, 1)
		if attempt+1 >= s.config.MaxConflictRetries {
			return fmt.Errorf("instruction %s: %w after %d attempts", instruction, err, attempt+1)
		}
		s.log.WithFields(logrus.Fields{
			"instruction": instruction,
			"attempt":     attempt + 1,
		}).Debug("write conflict, re-running instruction")
	}
}

func (s *Store) executeOnce(instruction string, fn func(tx *Tx) error) error {
	txn := s.badgerDB.NewTransaction(true)
	defer txn.Discard()

	tx := &Tx{store: s, txn: txn, instruction: instruction}
	if err := fn(tx); err != nil {
		s.log.WithFields(logrus.Fields{
			"instruction": instruction,
		}).Debugf("instruction failed: %v", err)
		return err
	}

	events, err := tx.writeEvents()
	if err != nil {
		return err
	}

	// Commit and publish under one lock so subscribers see events in
	// sequence order.
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	if err := txn.Commit(); err != nil {
		return err
	}
	atomic.AddUint64(&s.writeCounter, uint64(tx.writes))

	for _, ev := range events {
		s.logProgramData(ev)
		s.publish(ev)
	}
	return nil
}

// Account reads a committed account.
func (s *Store) Account(ctx context.Context, addr solana.PublicKey) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	var acct Account
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		var err error
		acct, err = readAccount(txn, addr)
		return err
	})
	atomic.AddUint64(&s.readCounter, 1)
	return acct, err
}

// IndexEntry is one secondary index record.
type IndexEntry struct {
	Key   []byte
	Value []byte
}

// ScanIndex returns all entries of namespace ns in key order.
func (s *Store) ScanIndex(ctx context.Context, ns string) ([]IndexEntry, error) {
	prefix := indexKey(ns, nil)
	var entries []IndexEntry
	atomic.AddUint64(&s.readCounter, 1)
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, IndexEntry{
				Key:   item.KeyCopy(nil)[len(prefix):],
				Value: v,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) Stats() Stats {
	return Stats{
		Reads:     atomic.LoadUint64(&s.readCounter),
		Writes:    atomic.LoadUint64(&s.writeCounter),
		Conflicts: atomic.LoadUint64(&s.conflicts),
	}
}

// Clean compacts the value log. It is a no-op for in-memory ledgers.
func (s *Store) Clean() error {
	if s.config.InMemory {
		return nil
	}
	if err := s.badgerDB.Sync(); err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	err := s.badgerDB.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.subMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subMu.Unlock()

	return s.badgerDB.Close()
}

// Tx is the view of one running instruction.
type Tx struct {
	store       *Store
	txn         *badger.Txn
	instruction string
	pending     []Event
	writes      int
}

// Instruction returns the name of the running instruction.
func (tx *Tx) Instruction() string { return tx.instruction }

// Exists reports whether an account exists at addr.
func (tx *Tx) Exists(addr solana.PublicKey) (bool, error) {
	atomic.AddUint64(&tx.store.readCounter, 1)
	_, err := tx.txn.Get(accountKey(addr))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Account reads an account. A missing account yields AccountNotInitialized.
func (tx *Tx) Account(addr solana.PublicKey) (Account, error) {
	atomic.AddUint64(&tx.store.readCounter, 1)
	return readAccount(tx.txn, addr)
}

// CreateAccount allocates a new account. It fails with AddressAlreadyInUse
// if anything already lives at addr.
func (tx *Tx) CreateAccount(addr, owner solana.PublicKey, data []byte) error {
	exists, err := tx.Exists(addr)
	if err != nil {
		return err
	}
	if exists {
		return errcode.New(errcode.AddressAlreadyInUse, "account %s", addr)
	}
	return tx.set(accountKey(addr), encodeAccount(owner, data))
}

// WriteAccount replaces the data of an existing account owned by owner.
func (tx *Tx) WriteAccount(addr, owner solana.PublicKey, data []byte) error {
	acct, err := tx.Account(addr)
	if err != nil {
		return err
	}
	if acct.Owner != owner {
		return errcode.New(errcode.IllegalOwner, "account %s is owned by %s", addr, acct.Owner)
	}
	return tx.set(accountKey(addr), encodeAccount(owner, data))
}

// PutIndex writes a secondary index entry.
func (tx *Tx) PutIndex(ns string, key, value []byte) error {
	return tx.set(indexKey(ns, key), value)
}

// DeleteIndex removes a secondary index entry.
func (tx *Tx) DeleteIndex(ns string, key []byte) error {
	tx.writes++
	return tx.txn.Delete(indexKey(ns, key))
}

// Emit appends an event to the public log when the instruction commits.
// ref is an opaque correlation value, for example a computation offset.
func (tx *Tx) Emit(name string, ref uint64, data []byte) {
	tx.pending = append(tx.pending, Event{
		Instruction: tx.instruction,
		Name:        name,
		Ref:         ref,
		Data:        append([]byte(nil), data...),
	})
}

func (tx *Tx) set(key, value []byte) error {
	tx.writes++
	return tx.txn.Set(key, value)
}

func readAccount(txn *badger.Txn, addr solana.PublicKey) (Account, error) {
	item, err := txn.Get(accountKey(addr))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Account{}, errcode.New(errcode.AccountNotInitialized, "account %s", addr)
	}
	if err != nil {
		return Account{}, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return Account{}, err
	}
	if len(raw) < len(solana.PublicKey{}) {
		return Account{}, fmt.Errorf("corrupt account %s: %d bytes", addr, len(raw))
	}
	acct := Account{Address: addr, Data: raw[32:]}
	copy(acct.Owner[:], raw[:32])
	return acct, nil
}

func accountKey(addr solana.PublicKey) []byte {
	return append([]byte(prefixAccount), addr[:]...)
}

func encodeAccount(owner solana.PublicKey, data []byte) []byte {
	out := make([]byte, 0, 32+len(data))
	out = append(out, owner[:]...)
	return append(out, data...)
}

func indexKey(ns string, key []byte) []byte {
	out := []byte(prefixIndex + ns + ":")
	return append(out, key...)
}

func eventKey(seq uint64) []byte {
	out := make([]byte, len(prefixEvent)+8)
	copy(out, prefixEvent)
	binary.BigEndian.PutUint64(out[len(prefixEvent):], seq)
	return out
}
