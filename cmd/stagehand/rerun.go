package main

import (
	"github.com/spf13/cobra"

	"github.com/seantiz/stagehand/internal/lifecycle"
)

func newRerunCmd(a *app) *cobra.Command {
	var bundle bool

	cmd := &cobra.Command{
		Use:   "rerun ID",
		Short: "Rebuild an instance from a persisted task or bundle and run it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			rt, err := a.runtime(s)
			if err != nil {
				return err
			}
			reg, err := newRegistry()
			if err != nil {
				return err
			}

			var inst *lifecycle.Instance
			if bundle {
				inst, err = lifecycle.FromBundle(cmd.Context(), rt, reg, args[0], a.cfg.StrictVersions)
			} else {
				inst, err = lifecycle.FromTask(cmd.Context(), rt, reg, args[0], a.cfg.StrictVersions)
			}
			if err != nil {
				return err
			}

			_, runErr := inst.Execute(cmd.Context(), a.lifecycleOptions()...)
			return printSummary(cmd, inst, runErr)
		},
	}

	cmd.Flags().BoolVar(&bundle, "bundle", false, "Treat ID as a bundle id")
	return cmd
}
