package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/stagehand/internal/lifecycle"
)

// runSummary is printed after a run.
type runSummary struct {
	TaskType  string   `json:"task_type"`
	TaskIDs   []string `json:"task_ids"`
	BundleID  string   `json:"bundle_id,omitempty"`
	BatchSize int      `json:"batch_size"`
	Status    string   `json:"status"`
	Error     string   `json:"error,omitempty"`
}

func newRunCmd(a *app) *cobra.Command {
	var (
		inputs     []string
		inputsJSON string
		params     []string
		paramsFile string
		perTask    bool
	)

	cmd := &cobra.Command{
		Use:   "run TYPE",
		Short: "Run a task type in the foreground",
		Long: `Run resolves the given parameters against TYPE, creates its task or bundle
and runs the full lifecycle, printing a JSON summary.

Inputs are paths, glob patterns, data product ids or JSON arrays of those.
Parameters are KEY=VALUE pairs; VALUE is parsed as JSON when it is valid JSON
and kept as a string otherwise, so --param max_bytes=[1,2] declares a batch.

Every task of a batch is linked to all inputs unless --per-task is given, in
which case the i-th input goes to the i-th task.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kwargs, err := loadParams(paramsFile, params)
			if err != nil {
				return err
			}
			in, err := buildInputs(inputs, inputsJSON)
			if err != nil {
				return err
			}
			if perTask {
				if in, err = perTaskInputs(in); err != nil {
					return err
				}
			}

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
			tt, err := reg.Lookup(args[0])
			if err != nil {
				return err
			}

			inst, err := lifecycle.New(rt, tt, in, kwargs)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if a.cfg.RunTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, a.cfg.RunTimeout)
				defer cancel()
			}

			_, runErr := inst.Execute(ctx, a.lifecycleOptions()...)
			return printSummary(cmd, inst, runErr)
		},
	}

	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Input reference (repeatable)")
	cmd.Flags().StringVar(&inputsJSON, "inputs-json", "", "Inputs as one JSON value, for nested sets")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Parameter as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&paramsFile, "params-file", "", "JSON file with parameters; --param entries override it")
	cmd.Flags().BoolVar(&perTask, "per-task", false, "Give each task of the batch its own input, in order")
	cmd.MarkFlagsMutuallyExclusive("input", "inputs-json")
	return cmd
}

func printSummary(cmd *cobra.Command, inst *lifecycle.Instance, runErr error) error {
	sum := runSummary{
		TaskType:  inst.Type().Name,
		BatchSize: inst.BatchSize(),
		Status:    "completed",
	}
	if inst.HasContext() {
		ec, err := inst.Context(cmd.Context())
		if err != nil {
			return err
		}
		for _, t := range ec.Tasks {
			sum.TaskIDs = append(sum.TaskIDs, t.ID)
		}
		if ec.Bundle != nil {
			sum.BundleID = ec.Bundle.ID
		}
	}

	var se *lifecycle.StageError
	switch {
	case runErr == nil:
	case errors.As(runErr, &se):
		sum.Status = se.Stage.FailedStatus()
		sum.Error = se.Err.Error()
	default:
		return runErr
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if se != nil {
		return fmt.Errorf("run failed in %s", se.Stage)
	}
	return nil
}

// loadParams merges the parameters file with KEY=VALUE pairs.
func loadParams(path string, pairs []string) (map[string]any, error) {
	kwargs := map[string]any{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read params file: %w", err)
		}
		if err := json.Unmarshal(data, &kwargs); err != nil {
			return nil, fmt.Errorf("decode params file: %w", err)
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, want KEY=VALUE", pair)
		}
		kwargs[key] = parseValue(raw)
	}
	return kwargs, nil
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// buildInputs turns the input flags into a reference the resolver accepts.
func buildInputs(refs []string, rawJSON string) (any, error) {
	if rawJSON != "" {
		var v any
		if err := json.Unmarshal([]byte(rawJSON), &v); err != nil {
			return nil, fmt.Errorf("decode inputs: %w", err)
		}
		return v, nil
	}
	switch len(refs) {
	case 0:
		return nil, nil
	case 1:
		return refs[0], nil
	}
	out := make([]any, len(refs))
	for i, r := range refs {
		out[i] = r
	}
	return out, nil
}

// perTaskInputs assigns the entries of in to tasks positionally.
func perTaskInputs(in any) (lifecycle.PerTask, error) {
	switch v := in.(type) {
	case nil:
		return nil, errors.New("--per-task needs at least one input")
	case []any:
		return lifecycle.PerTask(v), nil
	default:
		return lifecycle.PerTask{v}, nil
	}
}
