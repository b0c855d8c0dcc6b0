package cmd

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/turbolytics/mapfiles/internal/projection"
)

func newProjectCommand() *cobra.Command {
	var (
		input   string
		fields  []string
		flatten bool
	)

	cmd := &cobra.Command{
		Use:   "project",
		Short: "Projects serialized records onto a set of fields",
		Long: `Reads a JSON array of serialized records ({"model", "pk", "fields"}) and
prints the fields mapping of each record reduced to the requested fields.
With --flatten only the values are printed, one array per record.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if input != "-" {
				f, err := os.Open(input)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			records, err := projection.Decode(r)
			if err != nil {
				return err
			}
			projected, err := projection.Project(records, fields)
			if err != nil {
				return err
			}

			if flatten {
				return printJSON(cmd.OutOrStdout(), projection.Flatten(projected))
			}
			return printJSON(cmd.OutOrStdout(), projected)
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "-", "Serialized records file, - reads stdin")
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "Fields to keep, none keeps no fields")
	cmd.Flags().BoolVar(&flatten, "flatten", false, "Print values only")
	return cmd
}
