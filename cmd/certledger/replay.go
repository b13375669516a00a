package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/certledger/pkg/replay"
)

func newReplayCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-execute the audit trail and compare every result",
		Long: `Replay reads the configured audit trail and re-executes it from the
genesis state. Packet signatures, log hashes, state roots and seals are
recomputed and compared with what the trail recorded.

Exit codes:
  0  The trail replays exactly
  1  The replay diverged from the trail
  2  Command error (bad configuration, unreadable or broken trail)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, root)
		},
	}
	return cmd
}

func runReplay(cmd *cobra.Command, opts *RootOptions) error {
	ctx := cmd.Context()
	cfg, logger, err := opts.load(cmd)
	if err != nil {
		return err
	}
	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return wrapExit(ExitCommandError, "open runtime", err)
	}
	defer func() { _ = rt.Close() }()

	rep, err := rt.replay(ctx)
	if err != nil {
		return wrapExit(ExitCommandError, "replay trail", err)
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		err = writeJSON(out, rep)
	} else {
		err = writeReport(out, rep)
	}
	if err != nil {
		return wrapExit(ExitCommandError, "write report", err)
	}
	if !rep.Valid() {
		return wrapExit(ExitFailure, "replay diverged", rep.Divergence)
	}
	return nil
}

func writeReport(w io.Writer, rep *replay.Report) error {
	status := "OK"
	if !rep.Valid() {
		status = "DIVERGED"
	}
	lines := []string{
		fmt.Sprintf("Replay:        %s", status),
		fmt.Sprintf("Entries:       %d (commits %d, halts %d, resets %d, stale %d)", rep.Entries, rep.Commits, rep.Halts, rep.Resets, rep.Stale),
		fmt.Sprintf("Final version: %d", rep.FinalVersion),
		fmt.Sprintf("Final root:    %s", rep.FinalRoot),
		fmt.Sprintf("Packet head:   %s (sequence %d)", rep.PacketHead, rep.PacketSeq),
	}
	if rep.Halted {
		lines = append(lines, fmt.Sprintf("Halted:        seal %s", rep.HaltSeal))
	}
	codes := make([]string, 0, len(rep.HaltCodes))
	for c := range rep.HaltCodes {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	for _, c := range codes {
		lines = append(lines, fmt.Sprintf("  halt %-20s x%d", c, rep.HaltCodes[c]))
	}
	if d := rep.Divergence; d != nil {
		lines = append(lines,
			fmt.Sprintf("Divergence:    entry %d (%s) check %s", d.Sequence, d.Kind, d.Check),
			fmt.Sprintf("  recorded:    %s", d.Recorded),
			fmt.Sprintf("  replayed:    %s", d.Replayed),
		)
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}
