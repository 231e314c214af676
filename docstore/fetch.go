// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// FetchEvent is one event in an attachment fetch stream. The concrete
// variants are FetchProgress, FetchCompleted and FetchDeleted. Completed
// and Deleted are terminal: at most one of them is delivered, and the
// event channel is closed right after.
type FetchEvent interface {
	isFetchEvent()
}

// FetchProgress reports transfer progress. DownloadedBytes never decreases
// across consecutive events of one fetch.
type FetchProgress struct {
	DownloadedBytes int64
	TotalBytes      int64 // -1 when the remote end does not report a length
}

// FetchCompleted reports that the blob is fully available on local disk.
type FetchCompleted struct {
	Token *AttachmentToken
	Path  string // local blob path, valid for the lifetime of the root
}

// FetchDeleted reports that the attachment was deleted remotely and will
// never become available.
type FetchDeleted struct {
	ID string
}

func (FetchProgress) isFetchEvent()  {}
func (FetchCompleted) isFetchEvent() {}
func (FetchDeleted) isFetchEvent()   {}

// AttachmentFetcher is a handle to one in-flight attachment fetch.
type AttachmentFetcher struct {
	events chan FetchEvent
	cancel context.CancelFunc
}

// Events returns the fetch event stream. The channel is closed after a
// terminal event, after an error, or after cancellation.
func (f *AttachmentFetcher) Events() <-chan FetchEvent { return f.events }

// Cancel stops the fetch. Cancellation is weak: an in-flight chunk request
// may still complete in the background, but no further events are
// delivered after the channel closes.
func (f *AttachmentFetcher) Cancel() { f.cancel() }

// FetchAttachment starts fetching the blob behind token and returns a
// handle streaming progress and exactly one terminal event. If the blob is
// already complete on disk the stream completes immediately without
// touching the network. A blob not yet uploaded by its producer is polled
// with backoff until it appears or is reported deleted. Repeated hard
// failures close the stream without a terminal event.
func (s *Session) FetchAttachment(ctx context.Context, token *AttachmentToken) *AttachmentFetcher {
	fetchCtx, cancel := context.WithCancel(ctx)
	f := &AttachmentFetcher{
		events: make(chan FetchEvent, 16),
		cancel: cancel,
	}
	go s.runFetch(fetchCtx, token, f)
	return f
}

// fetchFailureLimit bounds consecutive failed attempts (transport errors,
// unexpected statuses, digest mismatches). A blob that keeps answering 404
// is polled without bound; that is the not-yet-uploaded contract.
const fetchFailureLimit = 5

func (s *Session) runFetch(ctx context.Context, token *AttachmentToken, f *AttachmentFetcher) {
	defer close(f.events)

	if s.hasLocalAttachment(token.ID, token.Len) {
		f.emit(ctx, FetchProgress{DownloadedBytes: token.Len, TotalBytes: token.Len})
		f.emit(ctx, FetchCompleted{Token: token, Path: s.attachmentPath(token.ID)})
		return
	}

	backoff := s.config.BackoffMin
	failures := 0
	for {
		done, err := s.fetchOnce(ctx, token, f)
		if done {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			s.logger.Warn("attachment fetch attempt failed",
				"id", token.ID, "failures", failures, "error", err)
			if failures >= fetchFailureLimit {
				s.logger.Warn("giving up on attachment fetch",
					"id", token.ID, "failures", failures)
				return
			}
		} else {
			// A clean 404 poll is not a failure; the producer may simply
			// not have uploaded the blob yet.
			failures = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.config.BackoffMax {
			backoff = s.config.BackoffMax
		}
	}
}

// fetchOnce performs a single GET attempt. It returns done=true when a
// terminal event was emitted, and an error when the attempt should be
// retried after backoff.
func (s *Session) fetchOnce(ctx context.Context, token *AttachmentToken, f *AttachmentFetcher) (bool, error) {
	jwt, err := s.Token(ctx)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", s.BaseURL+"/sync/attachments/"+token.ID, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+jwt)

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Proceed to the transfer below.
	case http.StatusNotFound:
		// Producer has not uploaded the blob yet. Keep polling.
		return false, nil
	case http.StatusGone:
		f.emit(ctx, FetchDeleted{ID: token.ID})
		return true, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("attachment endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	total := resp.ContentLength
	if total < 0 && token.Len > 0 {
		total = token.Len
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, "attachments"), ".fetch-*")
	if err != nil {
		return false, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	h := sha256.New()
	var downloaded int64
	buf := make([]byte, 64*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				tmp.Close()
				return false, werr
			}
			h.Write(buf[:n])
			downloaded += int64(n)
			f.emit(ctx, FetchProgress{DownloadedBytes: downloaded, TotalBytes: total})
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			tmp.Close()
			return false, rerr
		}
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}

	if got := hex.EncodeToString(h.Sum(nil)); got != token.ID {
		return false, fmt.Errorf("attachment content digest mismatch: got %s", got)
	}
	if err := os.Rename(tmpPath, s.attachmentPath(token.ID)); err != nil {
		return false, err
	}
	if err := s.markAttachmentState(ctx, token.ID, "synced"); err != nil {
		return false, err
	}

	done := token
	if done.Len == 0 && downloaded > 0 {
		done = &AttachmentToken{ID: token.ID, Len: downloaded, Metadata: token.Metadata}
	}
	f.emit(ctx, FetchCompleted{Token: done, Path: s.attachmentPath(token.ID)})
	return true, nil
}

// emit delivers an event unless the fetch was cancelled. A slow consumer
// blocks delivery rather than losing events; the channel buffer absorbs
// normal progress bursts.
func (f *AttachmentFetcher) emit(ctx context.Context, ev FetchEvent) {
	select {
	case f.events <- ev:
	case <-ctx.Done():
	}
}
