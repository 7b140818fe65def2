package ledger

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"
)

// Event is one entry of the public log. Sequence numbers start at 1 and have
// no gaps.
type Event struct {
	Sequence    uint64
	Instruction string
	Name        string
	Ref         uint64
	Data        []byte
	Time        time.Time
}

// Envelope field numbers.
const (
	fieldSequence    protowire.Number = 1
	fieldInstruction protowire.Number = 2
	fieldName        protowire.Number = 3
	fieldRef         protowire.Number = 4
	fieldData        protowire.Number = 5
	fieldTime        protowire.Number = 6
)

func encodeEnvelope(ev Event) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, ev.Sequence)
	b = protowire.AppendTag(b, fieldInstruction, protowire.BytesType)
	b = protowire.AppendString(b, ev.Instruction)
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, ev.Name)
	b = protowire.AppendTag(b, fieldRef, protowire.VarintType)
	b = protowire.AppendVarint(b, ev.Ref)
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, ev.Data)
	b = protowire.AppendTag(b, fieldTime, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ev.Time.UnixNano()))
	return b
}

func decodeEnvelope(b []byte) (Event, error) {
	var ev Event
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Event{}, protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Event{}, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldSequence:
				ev.Sequence = v
			case fieldRef:
				ev.Ref = v
			case fieldTime:
				ev.Time = time.Unix(0, int64(v)).UTC()
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Event{}, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldInstruction:
				ev.Instruction = string(v)
			case fieldName:
				ev.Name = string(v)
			case fieldData:
				ev.Data = append([]byte(nil), v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Event{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return ev, nil
}

// writeEvents assigns sequence numbers to the pending events and stages them
// in the transaction. The sequence counter is read inside the transaction, so
// two instructions that both emit conflict and one of them re-runs.
func (tx *Tx) writeEvents() ([]Event, error) {
	if len(tx.pending) == 0 {
		return nil, nil
	}

	last, err := readSequence(tx.txn)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	events := make([]Event, len(tx.pending))
	for i, ev := range tx.pending {
		last++
		ev.Sequence = last
		ev.Time = now
		if err := tx.set(eventKey(ev.Sequence), encodeEnvelope(ev)); err != nil {
			return nil, err
		}
		events[i] = ev
	}

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], last)
	if err := tx.set([]byte(keyEventSeq), seq[:]); err != nil {
		return nil, err
	}
	return events, nil
}

func readSequence(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get([]byte(keyEventSeq))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var last uint64
	err = item.Value(func(v []byte) error {
		if len(v) != 8 {
			return fmt.Errorf("corrupt event sequence: %d bytes", len(v))
		}
		last = binary.BigEndian.Uint64(v)
		return nil
	})
	return last, err
}

// LastSequence returns the sequence number of the newest event, 0 if the log
// is empty.
func (s *Store) LastSequence(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var last uint64
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		var err error
		last, err = readSequence(txn)
		return err
	})
	return last, err
}

// Events returns up to limit events starting at sequence from. A limit of 0
// means no limit.
func (s *Store) Events(ctx context.Context, from uint64, limit int) ([]Event, error) {
	var events []Event
	atomic.AddUint64(&s.readCounter, 1)
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixEvent)
		for it.Seek(eventKey(from)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if limit > 0 && len(events) >= limit {
				return nil
			}
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			ev, err := decodeEnvelope(raw)
			if err != nil {
				return fmt.Errorf("decode event %x: %w", it.Item().Key(), err)
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Subscribe returns a channel receiving every event committed after the call,
// in sequence order. A subscriber that falls behind by more than buffer events
// misses events and has to catch up through Events. cancel must be called
// to release the subscription.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	s.subMu.Lock()
	if s.closed.Load() {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(c)
		}
	}
	return ch, cancel
}

func (s *Store) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			s.log.WithFields(logrus.Fields{
				"subscriber": id,
				"sequence":   ev.Sequence,
			}).Warn("subscriber buffer full, event dropped")
		}
	}
}

func (s *Store) logProgramData(ev Event) {
	s.log.WithFields(logrus.Fields{
		"instruction": ev.Instruction,
		"event":       ev.Name,
		"sequence":    ev.Sequence,
	}).Info("Program data: " + base64.StdEncoding.EncodeToString(ev.Data))
}
