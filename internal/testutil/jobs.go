package testutil

import "github.com/0xPuncker/fleetcron/pkg/types"

func Ptr[T any](v T) *T {
	return &v
}

// CommandJob is an enabled Command job patch running target every minute.
func CommandJob(title, target string) *types.JobPatch {
	return &types.JobPatch{
		Title:  Ptr(title),
		Type:   Ptr(types.VariantCommand),
		Rule:   Ptr("* * * * *"),
		Target: Ptr(target),
		Status: Ptr(types.StatusEnabled),
	}
}
