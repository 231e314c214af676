// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/syncwise/go-docsync/docsync"
)

// fakeCoordinator is an in-memory stand-in for the coordination service
// speaking the same wire protocol. The bearer token doubles as the
// client's source ID so no JWT machinery is needed.
type fakeCoordinator struct {
	mu        sync.Mutex
	changeLog []docsync.ChangeDownload
	docs      map[string]*fakeDoc // key collection/docID
	applied   map[string]docsync.ChangeUploadStatus
	blobs     map[string][]byte
}

type fakeDoc struct {
	version int64
	body    json.RawMessage
	deleted bool
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{
		docs:    make(map[string]*fakeDoc),
		applied: make(map[string]docsync.ChangeUploadStatus),
		blobs:   make(map[string][]byte),
	}
}

func (f *fakeCoordinator) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sync/upload", f.handleUpload)
	mux.HandleFunc("GET /sync/download", f.handleDownload)
	mux.HandleFunc("PUT /sync/attachments/{id}", f.handleBlobPut)
	mux.HandleFunc("GET /sync/attachments/{id}", f.handleBlobGet)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func sourceFromRequest(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (f *fakeCoordinator) handleUpload(w http.ResponseWriter, r *http.Request) {
	sourceID := sourceFromRequest(r)
	var req docsync.UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	resp := docsync.UploadResponse{Accepted: true}
	for _, ch := range req.Changes {
		idemKey := fmt.Sprintf("%s/%d", sourceID, ch.SourceChangeID)
		if st, ok := f.applied[idemKey]; ok {
			resp.Statuses = append(resp.Statuses, st)
			continue
		}

		key := ch.Collection + "/" + ch.DocID
		doc := f.docs[key]
		baseline := int64(0)
		if doc != nil {
			baseline = doc.version
		}
		if ch.BaseVersion != baseline {
			v := baseline
			st := docsync.ChangeUploadStatus{
				SourceChangeID:   ch.SourceChangeID,
				Status:           docsync.StatusConflict,
				NewServerVersion: &v,
			}
			if doc != nil && !doc.deleted {
				st.ServerRow = doc.body
			}
			resp.Statuses = append(resp.Statuses, st)
			continue
		}

		newVersion := baseline + 1
		if doc == nil {
			doc = &fakeDoc{}
			f.docs[key] = doc
		}
		doc.version = newVersion
		doc.deleted = ch.Op == "DELETE"
		doc.body = ch.Payload

		f.changeLog = append(f.changeLog, docsync.ChangeDownload{
			ServerID:       int64(len(f.changeLog) + 1),
			Collection:     ch.Collection,
			DocID:          ch.DocID,
			Op:             ch.Op,
			Payload:        ch.Payload,
			ServerVersion:  newVersion,
			Deleted:        doc.deleted,
			SourceID:       sourceID,
			SourceChangeID: ch.SourceChangeID,
		})

		v := newVersion
		st := docsync.ChangeUploadStatus{
			SourceChangeID:   ch.SourceChangeID,
			Status:           docsync.StatusApplied,
			NewServerVersion: &v,
		}
		f.applied[idemKey] = st
		resp.Statuses = append(resp.Statuses, st)
	}
	resp.HighestServerSeq = int64(len(f.changeLog))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&resp)
}

func (f *fakeCoordinator) handleDownload(w http.ResponseWriter, r *http.Request) {
	sourceID := sourceFromRequest(r)
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	resp := docsync.DownloadResponse{NextAfter: after}
	for _, ch := range f.changeLog {
		if ch.ServerID <= after || ch.SourceID == sourceID {
			continue
		}
		if len(resp.Changes) == limit {
			resp.HasMore = true
			break
		}
		resp.Changes = append(resp.Changes, ch)
	}
	if len(resp.Changes) > 0 {
		resp.NextAfter = resp.Changes[len(resp.Changes)-1].ServerID
	} else {
		resp.NextAfter = int64(len(f.changeLog))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&resp)
}

func (f *fakeCoordinator) handleBlobPut(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	_, exists := f.blobs[id]
	if !exists {
		f.blobs[id] = buf
	}
	f.mu.Unlock()
	if exists {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
}

func (f *fakeCoordinator) handleBlobGet(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	data, ok := f.blobs[r.PathValue("id")]
	f.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Write(data)
}

// newPeerSession opens a session whose bearer token is its own source ID,
// matching what fakeCoordinator expects.
func newPeerSession(t *testing.T, baseURL string) *Session {
	t.Helper()
	s := newTestSession(t, baseURL)
	s.Token = func(context.Context) (string, error) { return s.SourceID, nil }
	return s
}

func TestTwoSessionConvergence(t *testing.T) {
	fake := newFakeCoordinator()
	server := fake.server(t)
	ctx := context.Background()

	s1 := newPeerSession(t, server.URL)
	s2 := newPeerSession(t, server.URL)

	_, err := s1.Execute(ctx,
		`INSERT INTO cars DOCUMENTS (:car)`,
		map[string]any{"car": map[string]any{"_id": "car-1", "make": "Ford", "color": "blue"}})
	require.NoError(t, err)

	require.NoError(t, s1.UploadOnce(ctx))

	// The pending queue drains and the server version is pinned locally.
	var pending int
	require.NoError(t, s1.DB.QueryRow(`SELECT COUNT(*) FROM _sync_pending`).Scan(&pending))
	require.Equal(t, 0, pending)
	var version int64
	require.NoError(t, s1.DB.QueryRow(
		`SELECT server_version FROM documents WHERE collection='cars' AND doc_id='car-1'`).Scan(&version))
	require.Equal(t, int64(1), version)

	// The second peer pulls the change and sees the document.
	require.NoError(t, s2.DownloadOnce(ctx))
	rs, err := s2.Execute(ctx, `SELECT * FROM cars WHERE color = :c`, map[string]any{"c": "blue"})
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())
	require.Equal(t, "Ford", rs.Item(0).Value()["make"])

	// And changes flow the other way too.
	_, err = s2.Execute(ctx,
		`INSERT INTO cars DOCUMENTS (:car)`,
		map[string]any{"car": map[string]any{"_id": "car-2", "make": "Kia", "color": "red"}})
	require.NoError(t, err)
	require.NoError(t, s2.UploadOnce(ctx))
	require.NoError(t, s1.DownloadOnce(ctx))

	rs, err = s1.Execute(ctx, `SELECT * FROM cars`, nil)
	require.NoError(t, err)
	require.Equal(t, 2, rs.Len())
}

func TestDownloadCursorAdvances(t *testing.T) {
	fake := newFakeCoordinator()
	server := fake.server(t)
	ctx := context.Background()

	s1 := newPeerSession(t, server.URL)
	s2 := newPeerSession(t, server.URL)

	for i := 0; i < 3; i++ {
		_, err := s1.Execute(ctx,
			`INSERT INTO cars DOCUMENTS (:car)`,
			map[string]any{"car": map[string]any{"make": "Ford"}})
		require.NoError(t, err)
	}
	require.NoError(t, s1.UploadOnce(ctx))
	require.NoError(t, s2.DownloadOnce(ctx))

	var cursor int64
	require.NoError(t, s2.DB.QueryRow(
		`SELECT last_server_seq_seen FROM _sync_client_info WHERE app_id = ?`, s2.AppID).Scan(&cursor))
	require.Equal(t, int64(3), cursor)

	// A second pull with nothing new is a no-op.
	require.NoError(t, s2.DownloadOnce(ctx))
	rs, err := s2.Execute(ctx, `SELECT * FROM cars`, nil)
	require.NoError(t, err)
	require.Equal(t, 3, rs.Len())
}

func TestConflictDefaultResolverAcceptsServer(t *testing.T) {
	fake := newFakeCoordinator()
	server := fake.server(t)
	ctx := context.Background()

	s1 := newPeerSession(t, server.URL)
	s2 := newPeerSession(t, server.URL)

	// Both peers create the same document offline.
	_, err := s1.Execute(ctx, `INSERT INTO cars DOCUMENTS (:car)`,
		map[string]any{"car": map[string]any{"_id": "car-1", "make": "Ford"}})
	require.NoError(t, err)
	_, err = s2.Execute(ctx, `INSERT INTO cars DOCUMENTS (:car)`,
		map[string]any{"car": map[string]any{"_id": "car-1", "make": "Kia"}})
	require.NoError(t, err)

	// First writer wins; the second hits a conflict and accepts the
	// server row under the default resolver.
	require.NoError(t, s1.UploadOnce(ctx))
	require.NoError(t, s2.UploadOnce(ctx))

	rs, err := s2.Execute(ctx, `SELECT * FROM cars`, nil)
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())
	require.Equal(t, "Ford", rs.Item(0).Value()["make"])

	var pending int
	require.NoError(t, s2.DB.QueryRow(`SELECT COUNT(*) FROM _sync_pending`).Scan(&pending))
	require.Equal(t, 0, pending)
}

type keepLocalResolver struct{}

func (keepLocalResolver) Merge(collection, docID string, server, local json.RawMessage) (json.RawMessage, bool, error) {
	return local, true, nil
}

func TestConflictResolverKeepsLocal(t *testing.T) {
	fake := newFakeCoordinator()
	server := fake.server(t)
	ctx := context.Background()

	s1 := newPeerSession(t, server.URL)
	s2 := newPeerSession(t, server.URL)
	s2.Resolver = keepLocalResolver{}

	_, err := s1.Execute(ctx, `INSERT INTO cars DOCUMENTS (:car)`,
		map[string]any{"car": map[string]any{"_id": "car-1", "make": "Ford"}})
	require.NoError(t, err)
	_, err = s2.Execute(ctx, `INSERT INTO cars DOCUMENTS (:car)`,
		map[string]any{"car": map[string]any{"_id": "car-1", "make": "Kia"}})
	require.NoError(t, err)

	require.NoError(t, s1.UploadOnce(ctx))
	// The conflict requeues the local body as an UPDATE against the
	// server version; the same UploadOnce call retries until applied.
	require.NoError(t, s2.UploadOnce(ctx))

	var pending int
	require.NoError(t, s2.DB.QueryRow(`SELECT COUNT(*) FROM _sync_pending`).Scan(&pending))
	require.Equal(t, 0, pending)

	// The merged body won on the server; s1 converges to it.
	require.NoError(t, s1.DownloadOnce(ctx))
	rs, err := s1.Execute(ctx, `SELECT * FROM cars`, nil)
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())
	require.Equal(t, "Kia", rs.Item(0).Value()["make"])
}

func TestAttachmentBlobRoundTripBetweenPeers(t *testing.T) {
	fake := newFakeCoordinator()
	server := fake.server(t)
	ctx := context.Background()

	s1 := newPeerSession(t, server.URL)
	s2 := newPeerSession(t, server.URL)

	content := []byte("shared photo bytes")
	src := filepath.Join(t.TempDir(), "src.png")
	require.NoError(t, os.WriteFile(src, content, 0o644))

	token, err := s1.NewAttachment(ctx, src, map[string]string{"name": "src.png"})
	require.NoError(t, err)
	require.NoError(t, s1.UploadAttachmentsOnce(ctx))

	var state string
	require.NoError(t, s1.DB.QueryRow(`SELECT state FROM _attachments WHERE id = ?`, token.ID).Scan(&state))
	require.Equal(t, "synced", state)

	digest := sha256.Sum256(content)
	require.Equal(t, hex.EncodeToString(digest[:]), token.ID)

	// The other peer fetches the blob through the event stream.
	fetcher := s2.FetchAttachment(ctx, token)
	var completed bool
	for event := range fetcher.Events() {
		if ev, ok := event.(FetchCompleted); ok {
			completed = true
			got, err := os.ReadFile(ev.Path)
			require.NoError(t, err)
			require.Equal(t, content, got)
		}
	}
	require.True(t, completed)
}
