package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newTypesCmd(_ *app) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List registered task types and their parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := newRegistry()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tPARAMETER\tKIND\tFLAGS\tDEFAULT")
			for _, tt := range reg.List() {
				for _, p := range tt.Parameters.Parameters() {
					var flags []string
					if p.Bundled {
						flags = append(flags, "bundled")
					}
					def := "-"
					if p.HasDefault {
						def = fmt.Sprintf("%v", p.Default)
					} else {
						flags = append(flags, "required")
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", tt.Name, p.Name, p.Kind, strings.Join(flags, ","), def)
				}
			}
			return w.Flush()
		},
	}
}
