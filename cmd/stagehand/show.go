package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seantiz/stagehand/internal/model"
	"github.com/seantiz/stagehand/internal/store"
)

type taskView struct {
	*model.Task
	BundleID string               `json:"bundle_id,omitempty"`
	Inputs   []*model.DataProduct `json:"inputs"`
	Outputs  []*model.Output      `json:"outputs"`
}

type bundleView struct {
	*model.Bundle
	Tasks []*model.Task `json:"tasks"`
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Print a task or bundle as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			v, err := lookup(cmd, s, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		},
	}
}

// lookup finds id among tasks first, then bundles.
func lookup(cmd *cobra.Command, s store.Store, id string) (any, error) {
	ctx := cmd.Context()

	t, err := s.GetTask(ctx, id)
	switch {
	case err == nil:
		v := taskView{Task: t}
		if v.BundleID, err = s.GetTaskBundleID(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if v.Inputs, err = s.ListTaskInputs(ctx, id); err != nil {
			return nil, err
		}
		if v.Outputs, err = s.ListTaskOutputs(ctx, id); err != nil {
			return nil, err
		}
		return v, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	b, err := s.GetBundle(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("no task or bundle with id %s", id)
	}
	if err != nil {
		return nil, err
	}
	tasks, err := s.ListBundleTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	return bundleView{Bundle: b, Tasks: tasks}, nil
}
