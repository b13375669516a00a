package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/certledger/pkg/commit"
	"github.com/Mindburn-Labs/certledger/pkg/contracts"
	"github.com/Mindburn-Labs/certledger/pkg/engine"
	"github.com/Mindburn-Labs/certledger/pkg/errcodes"
	"github.com/Mindburn-Labs/certledger/pkg/fixedpoint"
	"github.com/Mindburn-Labs/certledger/pkg/halt"
	"github.com/Mindburn-Labs/certledger/pkg/packet"
)

// bundleInput is one line of the process input. The packet is kept raw so
// it goes through schema validation before it is decoded.
type bundleInput struct {
	Packet   json.RawMessage    `json:"packet"`
	Proposal contracts.Proposal `json:"proposal"`
	Guidance fixedpoint.Value   `json:"guidance"`
}

// bundleOutcome is reported for every processed bundle.
type bundleOutcome struct {
	Sequence      uint64 `json:"sequence"`
	Outcome       string `json:"outcome"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Version       uint64 `json:"version,omitempty"`
	Root          string `json:"root,omitempty"`
	LogHash       string `json:"log_hash,omitempty"`
	Code          string `json:"code,omitempty"`
	Seal          string `json:"seal,omitempty"`
	Message       string `json:"message,omitempty"`
}

type processOptions struct {
	*RootOptions
	Input  string
	Frames string
}

func newProcessCommand(root *RootOptions) *cobra.Command {
	opts := &processOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run a stream of bundles through the engine",
		Long: `Process reads newline-delimited JSON bundles, each holding a signed
packet, a proposal and a guidance value, and commits them in order.

The engine resumes from the configured trail. Stale bundles are reported
and skipped; the first halt stops processing.

Exit codes:
  0  All bundles committed or went stale
  2  Command error
  *  The exit code of the halt category when a bundle halted`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Input, "input", "i", "-", "bundle stream, - for stdin")
	cmd.Flags().StringVar(&opts.Frames, "frames", "", "write sealed bundles and halt records as wire frames to this file")
	return cmd
}

func runProcess(cmd *cobra.Command, opts *processOptions) error {
	ctx := cmd.Context()
	cfg, logger, err := opts.load(cmd)
	if err != nil {
		return err
	}

	in := opts.Stdin
	if opts.Input != "-" {
		f, err := os.Open(opts.Input)
		if err != nil {
			return wrapExit(ExitCommandError, "open input", err)
		}
		defer f.Close()
		in = f
	}

	var frames io.Writer
	if opts.Frames != "" {
		f, err := os.OpenFile(opts.Frames, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return wrapExit(ExitCommandError, "open frames output", err)
		}
		defer f.Close()
		frames = f
	}

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return wrapExit(ExitCommandError, "open runtime", err)
	}
	defer func() { _ = rt.Close() }()

	eng, err := rt.engine(ctx, frames)
	if err != nil {
		return wrapExit(ExitCommandError, "start engine", err)
	}

	out := cmd.OutOrStdout()
	dec := json.NewDecoder(in)
	for {
		var line bundleInput
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return wrapExit(ExitCommandError, "decode bundle", err)
		}
		p, err := packet.Decode(line.Packet)
		if err != nil {
			return wrapExit(ExitCommandError, "decode packet", err)
		}

		res, err := eng.ProcessBundle(ctx, engine.Bundle{Packet: p, Proposal: line.Proposal, Guidance: line.Guidance})
		o := outcomeOf(p.SequenceNumber, res, err)
		if werr := opts.report(out, o); werr != nil {
			return wrapExit(ExitCommandError, "write output", werr)
		}

		var he *engine.HaltError
		switch {
		case err == nil, errors.Is(err, commit.ErrStaleState):
		case errors.As(err, &he):
			return wrapExit(he.Record.ExitCode, "bundle halted the execution context", he)
		case errors.Is(err, halt.ErrHalted):
			return wrapExit(errcodes.Halted.ExitCode(), "execution context is halted", err)
		default:
			return wrapExit(ExitFailure, "process bundle", err)
		}
	}
}

func outcomeOf(seq uint64, res *engine.Result, err error) bundleOutcome {
	o := bundleOutcome{Sequence: seq}
	var he *engine.HaltError
	switch {
	case err == nil:
		o.Outcome = "committed"
		o.CorrelationID = res.CorrelationID
		o.Version = res.State.Version
		o.Root = res.Root
		o.LogHash = res.LogHash
	case errors.Is(err, commit.ErrStaleState):
		o.Outcome = "stale"
		o.Message = err.Error()
	case errors.As(err, &he):
		o.Outcome = "halted"
		o.CorrelationID = he.Record.CorrelationID
		o.Code = he.Code().String()
		o.Seal = he.Record.Seal
		o.Message = he.Record.Result.Message
	default:
		o.Outcome = "refused"
		o.Message = err.Error()
	}
	return o
}

func (o *processOptions) report(w io.Writer, b bundleOutcome) error {
	if o.Format == "json" {
		return json.NewEncoder(w).Encode(b)
	}
	var err error
	switch b.Outcome {
	case "committed":
		_, err = fmt.Fprintf(w, "#%d committed version=%d root=%s\n", b.Sequence, b.Version, b.Root)
	case "halted":
		_, err = fmt.Fprintf(w, "#%d halted code=%s seal=%s: %s\n", b.Sequence, b.Code, b.Seal, b.Message)
	default:
		_, err = fmt.Fprintf(w, "#%d %s: %s\n", b.Sequence, b.Outcome, b.Message)
	}
	return err
}
