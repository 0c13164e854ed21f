package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/guestkit/guestkit/internal/app/snapshotremove"
	"github.com/guestkit/guestkit/internal/printer"
)

// SnapshotRmCommand removes a snapshot.
type SnapshotRmCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	id string
}

// NewSnapshotRmCommand returns the snapshot rm command.
func NewSnapshotRmCommand(rootCmd *RootCommand, snapshotCmd *kingpin.CmdClause) *SnapshotRmCommand {
	c := &SnapshotRmCommand{rootCmd: rootCmd}

	c.Cmd = snapshotCmd.Command("rm", "Remove a snapshot.")
	c.Cmd.Arg("id", "Snapshot ID.").Required().StringVar(&c.id)

	return c
}

func (c SnapshotRmCommand) Name() string { return c.Cmd.FullCommand() }

func (c SnapshotRmCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	cache, closeCache, err := newSnapshotCache(ctx, c.rootCmd)
	if err != nil {
		return err
	}
	defer closeCache()

	svc, err := snapshotremove.NewService(snapshotremove.ServiceConfig{
		Cache:  cache,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	err = svc.Run(ctx, snapshotremove.Request{ID: c.id})
	if err != nil {
		return fmt.Errorf("could not remove snapshot: %w", err)
	}

	p := printer.NewTablePrinter(c.rootCmd.Stdout)
	if err := p.PrintMessage(fmt.Sprintf("Removed snapshot: %s", c.id)); err != nil {
		return fmt.Errorf("could not print message: %w", err)
	}

	return nil
}
