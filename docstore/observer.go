// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docstore

import (
	"context"
	"sync"
)

// Observer is a standing query over one collection. It delivers a full
// ResultSet snapshot on registration and again after every local or
// synced change to the collection. Deliveries coalesce: a consumer that
// reads slowly sees the latest snapshot, not every intermediate one.
type Observer struct {
	id      int64
	session *Session
	stmt    *queryStmt
	params  map[string]any
	results chan *ResultSet

	cancelOnce sync.Once
}

// Results returns the snapshot stream. The channel is closed by Cancel
// and by Session.Close.
func (o *Observer) Results() <-chan *ResultSet { return o.results }

// Cancel unregisters the observer and closes its result channel. It is
// safe to call more than once and safe to race with deliveries.
func (o *Observer) Cancel() {
	o.cancelOnce.Do(func() {
		s := o.session
		s.obsMu.Lock()
		delete(s.observers, o.id)
		close(o.results)
		s.obsMu.Unlock()
	})
}

// RegisterObserver registers a standing select query and delivers the
// current snapshot immediately. Only select statements can be observed.
// Registration and the initial snapshot happen under the notification
// mutex, so a write committing concurrently either lands in the snapshot
// or triggers a delivery once the observer is registered; it can never
// fall between the two.
func (s *Session) RegisterObserver(ctx context.Context, query string, params map[string]any) (*Observer, error) {
	stmt, err := parseQuery(query)
	if err != nil {
		return nil, err
	}
	if stmt.kind != stmtSelect {
		return nil, queryErrorf("only select statements can be observed")
	}

	o := &Observer{
		session: s,
		stmt:    stmt,
		params:  params,
		results: make(chan *ResultSet, 1),
	}

	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.nextObsID++
	o.id = s.nextObsID
	s.observers[o.id] = o

	rs, err := s.executeSelect(ctx, stmt, params)
	if err != nil {
		delete(s.observers, o.id)
		return nil, err
	}
	o.deliver(rs)
	return o, nil
}

// notifyCollection re-evaluates every observer watching the collection
// and delivers fresh snapshots. Called after local writes commit and
// after downloaded changes are applied.
func (s *Session) notifyCollection(collection string) {
	s.obsMu.Lock()
	watching := make([]*Observer, 0, len(s.observers))
	for _, o := range s.observers {
		if o.stmt.collection == collection {
			watching = append(watching, o)
		}
	}
	s.obsMu.Unlock()

	for _, o := range watching {
		rs, err := s.executeSelect(context.Background(), o.stmt, o.params)
		if err != nil {
			s.logger.Warn("observer query failed", "collection", collection, "error", err)
			continue
		}
		s.obsMu.Lock()
		if _, live := s.observers[o.id]; live {
			o.deliver(rs)
		}
		s.obsMu.Unlock()
	}
}

// deliver replaces any undelivered snapshot with rs. Callers must hold
// the session's obsMu so delivery cannot race Cancel's close.
func (o *Observer) deliver(rs *ResultSet) {
	select {
	case <-o.results:
	default:
	}
	select {
	case o.results <- rs:
	default:
	}
}
