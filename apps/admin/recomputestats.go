package main

import (
	"context"
)

// recomputeStats rebuilds the cached attendance stats of one user, or of every
// user when id is empty. Handy after manual history edits or failed fan-outs.
func (cli *commandLine) recomputeStats(id string) error {
	ctx := context.Background()

	if id != "" {
		_, err := cli.statsAgg.Recompute(ctx, id)
		return err
	}

	users, err := cli.usrRepo.QueryAllUsers(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(users))
	for _, usr := range users {
		ids = append(ids, usr.ID)
	}
	return cli.statsAgg.BulkRecompute(ctx, ids)
}
