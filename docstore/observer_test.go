// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestObserverDeliversInitialSnapshot(t *testing.T) {
	s := newTestSession(t, "http://localhost:8080")
	ctx := context.Background()

	_, err := s.Execute(ctx,
		`INSERT INTO cars DOCUMENTS (:car)`,
		map[string]any{"car": map[string]any{"_id": "car-1", "color": "blue"}})
	require.NoError(t, err)

	obs, err := s.RegisterObserver(ctx,
		`SELECT * FROM cars WHERE color = :c`, map[string]any{"c": "blue"})
	require.NoError(t, err)
	defer obs.Cancel()

	select {
	case rs := <-obs.Results():
		require.Equal(t, 1, rs.Len())
		require.Equal(t, "car-1", rs.Item(0).Value()["_id"])
	case <-time.After(time.Second):
		t.Fatal("observer did not deliver its initial snapshot")
	}
}

func TestObserverFiresOnMatchingWrite(t *testing.T) {
	s := newTestSession(t, "http://localhost:8080")
	ctx := context.Background()

	obs, err := s.RegisterObserver(ctx, `SELECT * FROM cars`, nil)
	require.NoError(t, err)
	defer obs.Cancel()

	// Drain the initial empty snapshot.
	rs := <-obs.Results()
	require.Equal(t, 0, rs.Len())

	_, err = s.Execute(ctx,
		`INSERT INTO cars DOCUMENTS (:car)`,
		map[string]any{"car": map[string]any{"_id": "car-2", "color": "green"}})
	require.NoError(t, err)

	select {
	case rs := <-obs.Results():
		require.Equal(t, 1, rs.Len())
	case <-time.After(time.Second):
		t.Fatal("observer did not fire after a matching write")
	}
}

func TestObserverSeesWriteConcurrentWithRegistration(t *testing.T) {
	s := newTestSession(t, "http://localhost:8080")
	ctx := context.Background()

	// A write racing registration must end up visible to the observer,
	// either in the initial snapshot or in a later delivery. Repeat to
	// give the race a chance to land in every interleaving.
	for i := 0; i < 25; i++ {
		docID := fmt.Sprintf("car-%d", i)
		inserted := make(chan error, 1)
		go func() {
			_, err := s.Execute(ctx,
				`INSERT INTO cars DOCUMENTS (:car)`,
				map[string]any{"car": map[string]any{"_id": docID, "color": "blue"}})
			inserted <- err
		}()

		obs, err := s.RegisterObserver(ctx,
			`SELECT * FROM cars WHERE color = :c`, map[string]any{"c": "blue"})
		require.NoError(t, err)
		require.NoError(t, <-inserted)

		deadline := time.After(2 * time.Second)
		seen := false
		for !seen {
			select {
			case rs, ok := <-obs.Results():
				require.True(t, ok, "observer closed before delivering document %s", docID)
				for _, item := range rs.Items() {
					if item.Value()["_id"] == docID {
						seen = true
					}
				}
			case <-deadline:
				t.Fatalf("observer never delivered document %s", docID)
			}
		}
		obs.Cancel()
	}
}

func TestObserverCoalescesDeliveries(t *testing.T) {
	s := newTestSession(t, "http://localhost:8080")
	ctx := context.Background()

	obs, err := s.RegisterObserver(ctx, `SELECT * FROM cars`, nil)
	require.NoError(t, err)
	defer obs.Cancel()

	// Write several times without reading; the consumer must see the
	// latest snapshot, not a backlog.
	for i := 0; i < 5; i++ {
		_, err = s.Execute(ctx,
			`INSERT INTO cars DOCUMENTS (:car)`,
			map[string]any{"car": map[string]any{"color": "blue"}})
		require.NoError(t, err)
	}

	rs := <-obs.Results()
	require.Equal(t, 5, rs.Len())
}

func TestObserverCancelClosesChannel(t *testing.T) {
	s := newTestSession(t, "http://localhost:8080")
	ctx := context.Background()

	obs, err := s.RegisterObserver(ctx, `SELECT * FROM cars`, nil)
	require.NoError(t, err)

	obs.Cancel()
	obs.Cancel() // safe to call twice

	// Drain whatever was delivered before the cancel; the channel must
	// end up closed.
	for {
		if _, ok := <-obs.Results(); !ok {
			break
		}
	}

	// A write after cancel must not panic or deliver.
	_, err = s.Execute(ctx,
		`INSERT INTO cars DOCUMENTS (:car)`,
		map[string]any{"car": map[string]any{"color": "blue"}})
	require.NoError(t, err)
}

func TestObserverRejectsInsertQuery(t *testing.T) {
	s := newTestSession(t, "http://localhost:8080")

	_, err := s.RegisterObserver(context.Background(),
		`INSERT INTO cars DOCUMENTS (:c)`, map[string]any{"c": map[string]any{}})
	require.Error(t, err)
	var qerr *QueryError
	require.True(t, errors.As(err, &qerr))
}

func TestSessionCloseCancelsObservers(t *testing.T) {
	cfg := DefaultConfig(testAppID, "token", "http://localhost:8080", t.TempDir())
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)

	obs, err := s.RegisterObserver(context.Background(), `SELECT * FROM cars`, nil)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	for {
		if _, ok := <-obs.Results(); !ok {
			break
		}
	}
}
