package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/certledger/pkg/halt"
)

func newResetCommand(root *RootOptions) *cobra.Command {
	var timestamp int64
	cmd := &cobra.Command{
		Use:   "reset <authorization.json>",
		Short: "Clear a halt with an authority-signed reset authorization",
		Long: `Reset resumes the engine from the configured trail and clears its halt.
The authorization must name the context and the exact seal of the halt
and be signed by one of the configured authority keys. The reset is
appended to the audit trail.

Exit codes:
  0  The context is running again
  1  The authorization was refused
  2  Command error`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := root.load(cmd)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return wrapExit(ExitCommandError, "read authorization", err)
			}
			var auth halt.ResetAuthorization
			if err := json.Unmarshal(data, &auth); err != nil {
				return wrapExit(ExitCommandError, "decode authorization", err)
			}

			rt, err := openRuntime(ctx, cfg, logger)
			if err != nil {
				return wrapExit(ExitCommandError, "open runtime", err)
			}
			defer func() { _ = rt.Close() }()
			eng, err := rt.engine(ctx, nil)
			if err != nil {
				return wrapExit(ExitCommandError, "start engine", err)
			}

			if timestamp == 0 {
				timestamp = time.Now().UnixMilli()
			}
			if err := eng.Reset(ctx, auth, timestamp); err != nil {
				return wrapExit(ExitFailure, "reset refused", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "context %s reset (seal %s)\n", cfg.ContextID, auth.Seal)
			return err
		},
	}
	cmd.Flags().Int64Var(&timestamp, "timestamp", 0, "trusted timestamp in unix milliseconds recorded with the reset (default now)")
	return cmd
}
