package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/lumenlabs/validator-core/internal/tower"
)

var towerCommand = &cli.Command{
	Name:  "tower",
	Usage: "inspect the durably-persisted Tower",
	Subcommands: []*cli.Command{
		{
			Name:   "inspect",
			Usage:  "print the last vote, root, and lockout stack of the persisted Tower",
			Flags:  []cli.Flag{flagTowerPath},
			Action: towerInspectAction,
		},
	},
}

func towerInspectAction(c *cli.Context) error {
	store, err := tower.OpenStore(c.String(flagTowerPath.Name))
	if err != nil {
		return fmt.Errorf("open tower store: %w", err)
	}
	defer store.Close()

	tw, err := store.Load()
	if err != nil {
		return fmt.Errorf("load tower: %w", err)
	}
	if tw == nil {
		fmt.Println("no tower has ever been persisted at this path")
		return nil
	}

	if slot, ok := tw.LastVotedSlot(); ok {
		fmt.Printf("last voted slot: %d\n", uint64(slot))
	} else {
		fmt.Println("last voted slot: (none)")
	}
	if root, ok := tw.Root(); ok {
		fmt.Printf("root: %d\n", uint64(root))
	} else {
		fmt.Println("root: (none)")
	}
	votes := tw.Votes()
	fmt.Printf("lockout stack depth: %d\n", len(votes))
	for i, v := range votes {
		fmt.Printf("  [%d] slot=%d confirmation_count=%d\n", i, uint64(v.Slot), v.ConfirmationCount)
	}
	return nil
}
