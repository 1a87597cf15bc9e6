package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/peterbourgon/ff/v4"

	"github.com/zombor/leafscan/internal/history"
	"github.com/zombor/leafscan/internal/present"
)

type historyConfig struct {
	root     *rootConfig
	userID   *string
	recordID *string
	limit    *int
}

func newHistoryCommand(root *rootConfig) *ff.Command {
	fs := ff.NewFlagSet("history").SetParent(root.flags)
	cfg := &historyConfig{
		root:     root,
		userID:   fs.StringLong("user", "", "User id whose scans to list"),
		recordID: fs.StringLong("id", "", "Show a single scan in full"),
		limit:    fs.IntLong("limit", 20, "Maximum number of scans to show, 0 for all"),
	}

	return &ff.Command{
		Name:      "history",
		Usage:     "leafscan history --user ID [--limit N] | --id RECORD",
		ShortHelp: "list past scans, newest first",
		Flags:     fs,
		Exec:      cfg.exec,
	}
}

func (c *historyConfig) exec(ctx context.Context, args []string) error {
	if err := c.root.setupLogging(); err != nil {
		return err
	}
	if *c.userID == "" && *c.recordID == "" {
		return usageError{fmt.Errorf("--user or --id is required")}
	}

	db, err := history.NewBoltDB(*c.root.dbPath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	return showHistory(os.Stdout, db, *c.userID, *c.recordID, *c.limit)
}

// showHistory prints one record when recordID is set, otherwise the user's list
func showHistory(out io.Writer, db history.DB, userID, recordID string, limit int) error {
	if recordID != "" {
		record, err := db.GetRecord(recordID)
		if err != nil {
			return err
		}
		if userID != "" && record.UserID != userID {
			return fmt.Errorf("%w: %s", history.ErrNotFound, recordID)
		}
		return writeRecord(out, record)
	}

	records, err := db.ListRecords(userID, limit)
	if err != nil {
		return fmt.Errorf("listing scans: %w", err)
	}
	return writeHistory(out, records)
}

func writeHistory(out io.Writer, records []*history.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "No scans yet.")
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\tSOURCE\tRESULT\tCONFIDENCE")
	for _, r := range records {
		when := r.CreatedAt.Local().Format(time.DateTime)
		if r.Succeeded() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, when, r.Source, r.Disease, present.FormatConfidence(r.Confidence))
		} else {
			fmt.Fprintf(tw, "%s\t%s\t%s\tfailed: %s\t-\n", r.ID, when, r.Source, r.ErrorKind)
		}
	}
	return tw.Flush()
}

// writeRecord prints every stored field of one scan
func writeRecord(out io.Writer, r *history.Record) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", r.ID)
	fmt.Fprintf(tw, "User:\t%s\n", r.UserID)
	fmt.Fprintf(tw, "When:\t%s\n", r.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(tw, "Source:\t%s\n", r.Source)
	if r.FileName != "" {
		fmt.Fprintf(tw, "Image:\t%s\n", r.FileName)
	}
	if r.Succeeded() {
		fmt.Fprintf(tw, "Disease:\t%s\n", r.Disease)
		fmt.Fprintf(tw, "Confidence:\t%s\n", present.FormatConfidence(r.Confidence))
		fmt.Fprintf(tw, "Prevention:\t%s\n", r.Prevention)
	} else {
		fmt.Fprintf(tw, "Error:\t%s\n", r.ErrorKind)
		if r.StatusCode != 0 {
			fmt.Fprintf(tw, "Status:\t%d\n", r.StatusCode)
		}
		fmt.Fprintf(tw, "Message:\t%s\n", r.Message)
	}
	return tw.Flush()
}
