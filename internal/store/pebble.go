package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"

	"invest-grid/internal/core"
)

var (
	prefixOrder   = []byte("ord:")
	prefixBalance = []byte("bal:")
	prefixAsset   = []byte("ast:")
)

// Pebble keeps the ledger in an embedded key-value store. Orders are keyed
// by id; balance and asset rows by a monotonically increasing sequence.
type Pebble struct {
	db  *pebble.DB
	mu  sync.Mutex
	seq uint64
}

type orderRecord struct {
	Seq   uint64     `json:"seq"`
	Order core.Order `json:"order"`
}

func OpenPebble(path string) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	s := &Pebble{db: db}
	if err := s.loadSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Pebble) Close() error {
	return s.db.Close()
}

func (s *Pebble) InsertOrders(orders []core.Order) error {
	if len(orders) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.db.NewBatch()
	defer batch.Close()
	inBatch := make(map[string]struct{}, len(orders))
	seq := s.seq
	for _, ord := range orders {
		if err := core.ValidateOrder(ord); err != nil {
			return err
		}
		if _, ok := inBatch[ord.ID]; ok {
			return fmt.Errorf("%w: %s", core.ErrDuplicateOrder, ord.ID)
		}
		_, found, err := s.getOrder(ord.ID)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("%w: %s", core.ErrDuplicateOrder, ord.ID)
		}
		inBatch[ord.ID] = struct{}{}
		seq++
		data, err := json.Marshal(orderRecord{Seq: seq, Order: ord})
		if err != nil {
			return err
		}
		if err := batch.Set(orderKey(ord.ID), data, nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}
	s.seq = seq
	return nil
}

func (s *Pebble) UpdateOrder(order core.Order) error {
	if err := core.ValidateOrder(order); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, found, err := s.getOrder(order.ID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", core.ErrOrderNotFound, order.ID)
	}
	if err := checkTransition(rec.Order, order); err != nil {
		return err
	}
	rec.Order = order
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Set(orderKey(order.ID), data, pebble.Sync)
}

func (s *Pebble) FetchOrder(id string) (core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, found, err := s.getOrder(id)
	if err != nil {
		return core.Order{}, err
	}
	if !found {
		return core.Order{}, fmt.Errorf("%w: %s", core.ErrOrderNotFound, id)
	}
	return rec.Order, nil
}

func (s *Pebble) PendingOrders(figi string) ([]core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recs []orderRecord
	err := s.scan(prefixOrder, func(_, value []byte) error {
		var rec orderRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("%w: %v", core.ErrInvalidOrder, err)
		}
		if err := core.ValidateOrder(rec.Order); err != nil {
			return err
		}
		if rec.Order.Status == core.OrderPending && (figi == "" || rec.Order.InstrumentID == figi) {
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	out := make([]core.Order, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Order)
	}
	return out, nil
}

func (s *Pebble) AppendBalance(entry core.BalanceEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	return s.appendSeq(prefixBalance, entry)
}

func (s *Pebble) Balances() ([]core.BalanceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.BalanceEntry, 0)
	err := s.scan(prefixBalance, func(_, value []byte) error {
		var entry core.BalanceEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return fmt.Errorf("%w: %v", core.ErrInvalidOrder, err)
		}
		if err := validateEntry(entry); err != nil {
			return err
		}
		out = append(out, entry)
		return nil
	})
	return out, err
}

func (s *Pebble) AppendQuote(quote core.Quote) error {
	if quote.InstrumentID == "" {
		return errors.New("quote figi required")
	}
	return s.appendSeq(prefixAsset, quote)
}

func (s *Pebble) appendSeq(prefix []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.seq + 1
	if err := s.db.Set(seqKey(prefix, next), data, pebble.Sync); err != nil {
		return err
	}
	s.seq = next
	return nil
}

func (s *Pebble) getOrder(id string) (orderRecord, bool, error) {
	value, closer, err := s.db.Get(orderKey(id))
	if err == pebble.ErrNotFound {
		return orderRecord{}, false, nil
	}
	if err != nil {
		return orderRecord{}, false, err
	}
	defer closer.Close()
	var rec orderRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return orderRecord{}, false, fmt.Errorf("%w: %v", core.ErrInvalidOrder, err)
	}
	return rec, true, nil
}

func (s *Pebble) scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// loadSeq resumes the sequence above every key and order record already stored.
func (s *Pebble) loadSeq() error {
	for _, prefix := range [][]byte{prefixBalance, prefixAsset} {
		iter, err := s.db.NewIter(&pebble.IterOptions{
			LowerBound: prefix,
			UpperBound: prefixEnd(prefix),
		})
		if err != nil {
			return err
		}
		if iter.Last() {
			key := iter.Key()
			if len(key) == len(prefix)+8 {
				if seq := binary.BigEndian.Uint64(key[len(prefix):]); seq > s.seq {
					s.seq = seq
				}
			}
		}
		if err := iter.Close(); err != nil {
			return err
		}
	}
	return s.scan(prefixOrder, func(_, value []byte) error {
		var rec orderRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		if rec.Seq > s.seq {
			s.seq = rec.Seq
		}
		return nil
	})
}

func orderKey(id string) []byte {
	return append(append([]byte{}, prefixOrder...), id...)
}

func seqKey(prefix []byte, seq uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	end[len(end)-1]++
	return end
}
