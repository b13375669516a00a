package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/certledger/pkg/audit"
	"github.com/Mindburn-Labs/certledger/pkg/crypto"
	"github.com/Mindburn-Labs/certledger/pkg/halt"
	"github.com/Mindburn-Labs/certledger/pkg/wire"
)

// sealCheck is the verdict on one sealed artifact.
type sealCheck struct {
	Index         int       `json:"index"`
	Kind          wire.Kind `json:"kind"`
	CorrelationID string    `json:"correlation_id"`
	Seal          string    `json:"seal"`
	Valid         bool      `json:"valid"`
	Error         string    `json:"error,omitempty"`
}

type verifyOptions struct {
	*RootOptions
	Frames bool
}

func newVerifySealCommand(root *RootOptions) *cobra.Command {
	opts := &verifyOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "verify-seal <file>",
		Short: "Verify sealed bundles and halt records",
		Long: `Verify-seal checks the signature of a sealed bundle JSON document, or with
--frames every sealed bundle and halt record in a wire frame stream.
Bundle seals are verified against the configured seal keys and the
signer's public key; halt records are checked against their finality seal.

Exit codes:
  0  Every seal verified
  1  At least one seal failed
  2  Command error`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerifySeal(cmd, opts, args[0])
		},
	}
	cmd.Flags().BoolVar(&opts.Frames, "frames", false, "the file is a wire frame stream")
	return cmd
}

func runVerifySeal(cmd *cobra.Command, opts *verifyOptions, path string) error {
	cfg, _, err := opts.load(cmd)
	if err != nil {
		return err
	}
	keys, err := cfg.SealVerifier()
	if err != nil {
		return wrapExit(ExitCommandError, "load seal keys", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return wrapExit(ExitCommandError, "read input", err)
	}

	var checks []sealCheck
	if opts.Frames {
		checks, err = checkFrames(bytes.NewReader(data), keys)
	} else {
		var sb audit.SealedBundle
		if err = json.Unmarshal(data, &sb); err == nil {
			checks = []sealCheck{checkBundle(0, sb, keys)}
		}
	}
	if err != nil {
		return wrapExit(ExitCommandError, "decode input", err)
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		err = writeJSON(out, checks)
	} else {
		for _, c := range checks {
			status := "OK"
			if !c.Valid {
				status = "FAIL " + c.Error
			}
			if _, err = fmt.Fprintf(out, "[%d] %s %s %s\n", c.Index, c.Kind, c.CorrelationID, status); err != nil {
				break
			}
		}
	}
	if err != nil {
		return wrapExit(ExitCommandError, "write output", err)
	}

	failed := 0
	for _, c := range checks {
		if !c.Valid {
			failed++
		}
	}
	if failed > 0 {
		return wrapExit(ExitFailure, fmt.Sprintf("%d of %d seals failed verification", failed, len(checks)), nil)
	}
	return nil
}

func checkFrames(r io.Reader, keys crypto.Verifier) ([]sealCheck, error) {
	var checks []sealCheck
	rd := wire.NewReader(r)
	for i := 0; ; i++ {
		f, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return checks, nil
		}
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		switch f.Kind {
		case wire.KindSealedBundle:
			var sb audit.SealedBundle
			if err := f.Decode(&sb); err != nil {
				return nil, fmt.Errorf("frame %d: %w", i, err)
			}
			checks = append(checks, checkBundle(i, sb, keys))
		case wire.KindHaltRecord:
			var rec halt.Record
			if err := f.Decode(&rec); err != nil {
				return nil, fmt.Errorf("frame %d: %w", i, err)
			}
			checks = append(checks, checkRecord(i, rec))
		default:
			return nil, fmt.Errorf("frame %d: unknown kind %q", i, f.Kind)
		}
	}
}

func checkBundle(i int, sb audit.SealedBundle, keys crypto.Verifier) sealCheck {
	c := sealCheck{Index: i, Kind: wire.KindSealedBundle, CorrelationID: sb.Binding.CorrelationID, Seal: sb.Seal.Signature}
	if err := audit.VerifySeal(sb, keys); err != nil {
		c.Error = err.Error()
		return c
	}
	c.Valid = true
	return c
}

func checkRecord(i int, rec halt.Record) sealCheck {
	c := sealCheck{Index: i, Kind: wire.KindHaltRecord, CorrelationID: rec.CorrelationID, Seal: rec.Seal}
	if err := halt.VerifyRecord(rec); err != nil {
		c.Error = err.Error()
		return c
	}
	c.Valid = true
	return c
}
