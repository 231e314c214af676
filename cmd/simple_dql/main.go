// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Demo tool for plain document queries: insert a car document, then read
// matching cars back with a select.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/syncwise/go-docsync/internal/cli"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "insert-car":
		err = runInsertCar(os.Args[2:])
	case "select-cars":
		err = runSelectCars(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("simple_dql %s failed: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: simple_dql <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  insert-car    Insert a blue Ford document into the cars collection")
	fmt.Fprintln(os.Stderr, "  select-cars   Print all blue cars currently in the store")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Run 'simple_dql <command> -h' for command flags.")
}

func runInsertCar(args []string) error {
	fs := flag.NewFlagSet("insert-car", flag.ExitOnError)
	var common cli.CommonFlags
	common.Register(fs)
	carMake := fs.String("make", "Ford", "Car make to insert")
	carColor := fs.String("color", "blue", "Car color to insert")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	session, err := common.OpenSession(ctx, "simple_dql_data")
	if err != nil {
		return err
	}
	defer session.Close()

	result, err := session.Execute(ctx,
		`INSERT INTO COLLECTION cars DOCUMENTS (:newCar)`,
		map[string]any{
			"newCar": map[string]any{
				"make":  *carMake,
				"color": *carColor,
			},
		})
	if err != nil {
		return err
	}

	// One synchronous push so the document is on the server before exit.
	if err := session.UploadOnce(ctx); err != nil {
		return fmt.Errorf("failed to push inserted document: %w", err)
	}

	for _, id := range result.MutatedDocumentIDs() {
		fmt.Printf("Inserted car document %s (%s %s)\n", id, *carColor, *carMake)
	}
	return nil
}

func runSelectCars(args []string) error {
	fs := flag.NewFlagSet("select-cars", flag.ExitOnError)
	var common cli.CommonFlags
	common.Register(fs)
	carColor := fs.String("color", "blue", "Car color to match")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	session, err := common.OpenSession(ctx, "simple_dql_data")
	if err != nil {
		return err
	}
	defer session.Close()

	// Pull the latest server state before reading.
	if err := session.DownloadOnce(ctx); err != nil {
		return fmt.Errorf("failed to pull server changes: %w", err)
	}

	result, err := session.Execute(ctx,
		`SELECT * FROM COLLECTION cars WHERE color = :myColor`,
		map[string]any{"myColor": *carColor})
	if err != nil {
		return err
	}

	fmt.Printf("Found %d %s car(s):\n", result.Len(), *carColor)
	for _, item := range result.Items() {
		line, err := json.Marshal(item.Value())
		if err != nil {
			return err
		}
		fmt.Println(string(line))
	}
	return nil
}
