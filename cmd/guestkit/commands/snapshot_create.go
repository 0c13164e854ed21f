package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/guestkit/guestkit/internal/app/snapshotcreate"
)

// SnapshotCreateCommand captures a host directory as a content-addressed
// snapshot.
type SnapshotCreateCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	dir      string
	excludes []string
}

// NewSnapshotCreateCommand returns the snapshot create command.
func NewSnapshotCreateCommand(rootCmd *RootCommand, snapshotCmd *kingpin.CmdClause) *SnapshotCreateCommand {
	c := &SnapshotCreateCommand{rootCmd: rootCmd}

	c.Cmd = snapshotCmd.Command("create", "Capture a host directory as a snapshot.")
	c.Cmd.Arg("dir", "Host directory to capture.").Required().StringVar(&c.dir)
	c.Cmd.Flag("exclude", "Glob patterns pruned from the capture. Can be repeated.").StringsVar(&c.excludes)

	return c
}

func (c SnapshotCreateCommand) Name() string { return c.Cmd.FullCommand() }

func (c SnapshotCreateCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	cache, closeCache, err := newSnapshotCache(ctx, c.rootCmd)
	if err != nil {
		return err
	}
	defer closeCache()

	svc, err := snapshotcreate.NewService(snapshotcreate.ServiceConfig{
		Cache:  cache,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	rec, err := svc.Run(ctx, snapshotcreate.Request{
		Dir:      c.dir,
		Excludes: c.excludes,
	})
	if err != nil {
		return fmt.Errorf("could not create snapshot: %w", err)
	}

	fmt.Fprintf(c.rootCmd.Stdout, "Snapshot created successfully!\n")
	fmt.Fprintf(c.rootCmd.Stdout, "  ID:        %s\n", rec.ID)
	fmt.Fprintf(c.rootCmd.Stdout, "  Cache key: %s\n", rec.CacheKey)
	fmt.Fprintf(c.rootCmd.Stdout, "  Entries:   %d\n", rec.Entries)
	fmt.Fprintf(c.rootCmd.Stdout, "  Size:      %d bytes\n", rec.SizeBytes)

	return nil
}
