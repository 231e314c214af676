// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Demo tool for attachment sync: upload a photo as an attachment of a
// document, and fetch it back on another peer with progress reporting.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/syncwise/go-docsync/docstore"
	"github.com/syncwise/go-docsync/internal/cli"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "upload-photo":
		err = runUploadPhoto(os.Args[2:])
	case "download-photo":
		err = runDownloadPhoto(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("simple_attachment %s failed: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: simple_attachment <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  upload-photo    Store a file as an attachment of a photos document")
	fmt.Fprintln(os.Stderr, "  download-photo  Fetch a photo attachment by its name")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Run 'simple_attachment <command> -h' for command flags.")
}

func runUploadPhoto(args []string) error {
	fs := flag.NewFlagSet("upload-photo", flag.ExitOnError)
	var common cli.CommonFlags
	common.Register(fs)
	path := fs.String("path", "image.png", "File to upload as an attachment")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	session, err := common.OpenSession(ctx, "simple_attachment_data")
	if err != nil {
		return err
	}
	defer session.Close()

	photoName := filepath.Base(*path)

	token, err := session.NewAttachment(ctx, *path, map[string]string{"name": photoName})
	if err != nil {
		return err
	}

	result, err := session.Execute(ctx,
		`INSERT INTO COLLECTION photos (photo_attachment ATTACHMENT) DOCUMENTS (:newPhoto)`,
		map[string]any{
			"newPhoto": map[string]any{
				"photo_name":       photoName,
				"photo_attachment": token.Value(),
			},
		})
	if err != nil {
		return err
	}

	// Push the document and the blob synchronously so the other peer can
	// pick them up as soon as this command returns.
	if err := session.UploadOnce(ctx); err != nil {
		return fmt.Errorf("failed to push photo document: %w", err)
	}
	if err := session.UploadAttachmentsOnce(ctx); err != nil {
		return fmt.Errorf("failed to push attachment blob: %w", err)
	}

	for _, id := range result.MutatedDocumentIDs() {
		fmt.Printf("Uploaded photo %q as document %s with attachment %s (%d bytes)\n",
			photoName, id, token.ID, token.Len)
	}
	return nil
}

func runDownloadPhoto(args []string) error {
	fs := flag.NewFlagSet("download-photo", flag.ExitOnError)
	var common cli.CommonFlags
	common.Register(fs)
	name := fs.String("name", "", "Photo name to look up (the uploaded file's base name)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("photo name is required (pass --name)")
	}

	ctx := context.Background()
	session, err := common.OpenSession(ctx, "simple_attachment_data")
	if err != nil {
		return err
	}
	defer session.Close()

	// One prompt pull, then background sync while we wait for the photo
	// document to show up in the observer stream.
	if err := session.DownloadOnce(ctx); err != nil {
		return fmt.Errorf("failed to pull server changes: %w", err)
	}
	if err := session.StartSync(ctx); err != nil {
		return fmt.Errorf("failed to start background sync: %w", err)
	}

	observer, err := session.RegisterObserver(ctx,
		`SELECT * FROM COLLECTION photos (photo_attachment ATTACHMENT) WHERE photo_name = :name`,
		map[string]any{"name": *name})
	if err != nil {
		return err
	}
	defer observer.Cancel()

	// Take the first snapshot that has a match and stop observing.
	var doc map[string]any
	for result := range observer.Results() {
		if result.Len() > 0 {
			doc = result.Item(0).Value()
			break
		}
		fmt.Printf("Waiting for photo %q to sync in...\n", *name)
	}
	if doc == nil {
		return fmt.Errorf("observer closed before photo %q arrived", *name)
	}
	observer.Cancel()

	token, err := docstore.TokenFromValue(doc["photo_attachment"])
	if err != nil {
		return fmt.Errorf("photo document carries no attachment: %w", err)
	}
	fmt.Printf("Fetching attachment %s (%d bytes)...\n", token.ID, token.Len)

	fetcher := session.FetchAttachment(ctx, token)
	defer fetcher.Cancel()

	for event := range fetcher.Events() {
		switch ev := event.(type) {
		case docstore.FetchProgress:
			fmt.Printf("  %d/%d bytes\n", ev.DownloadedBytes, ev.TotalBytes)
		case docstore.FetchCompleted:
			fmt.Printf("Photo %q saved at %s\n", *name, ev.Path)
			return nil
		case docstore.FetchDeleted:
			return fmt.Errorf("attachment %s was deleted on the server", ev.ID)
		}
	}
	return fmt.Errorf("fetch stopped before completing")
}
