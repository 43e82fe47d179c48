package main

import (
	"encoding/json"

	"github.com/Masterminds/squirrel"
	"github.com/spf13/cobra"

	"github.com/seantiz/stagehand/internal/model"
	"github.com/seantiz/stagehand/internal/store"
)

type listView struct {
	Tasks []*model.Task `json:"tasks"`
	Total int           `json:"total"`
}

func newListCmd(a *app) *cobra.Command {
	var (
		taskType string
		status   string
		limit    int
		offset   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			var filter squirrel.And
			if taskType != "" {
				filter = append(filter, store.NameIs(taskType))
			}
			if status != "" {
				if _, err := s.GetStatus(cmd.Context(), status); err != nil {
					return err
				}
				filter = append(filter, store.StatusIs(status))
			}

			var cond squirrel.Sqlizer
			if len(filter) > 0 {
				cond = filter
			}
			tasks, total, err := s.ListTasks(cmd.Context(), cond, limit, offset)
			if err != nil {
				return err
			}
			if tasks == nil {
				tasks = []*model.Task{}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(listView{Tasks: tasks, Total: total})
		},
	}

	cmd.Flags().StringVar(&taskType, "type", "", "Only tasks of this task type")
	cmd.Flags().StringVar(&status, "status", "", "Only tasks in this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of tasks to print")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of tasks to skip")
	return cmd
}
