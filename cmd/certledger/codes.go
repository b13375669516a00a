package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/certledger/pkg/errcodes"
)

type codesDocument struct {
	Version string                `json:"version"`
	Codes   []errcodes.Definition `json:"codes"`
}

func newCodesCommand(root *RootOptions) *cobra.Command {
	var compatible string
	cmd := &cobra.Command{
		Use:   "codes",
		Short: "Print the error code table",
		Long: `Codes prints every stable error code with its category and process exit
code. With --compatible it checks the table version against a constraint
recorded by an older trail instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if compatible != "" {
				ok, err := errcodes.Compatible(compatible)
				if err != nil {
					return wrapExit(ExitCommandError, "check compatibility", err)
				}
				if !ok {
					return wrapExit(ExitFailure, fmt.Sprintf("code table %s does not satisfy %s", errcodes.TableVersion, compatible), nil)
				}
				_, err = fmt.Fprintf(out, "code table %s satisfies %s\n", errcodes.TableVersion, compatible)
				return err
			}
			if root.Format == "json" {
				return writeJSON(out, codesDocument{Version: errcodes.TableVersion, Codes: errcodes.Table()})
			}
			return errcodes.Render(out)
		},
	}
	cmd.Flags().StringVar(&compatible, "compatible", "", "semantic version constraint the table must satisfy")
	return cmd
}
