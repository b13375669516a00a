package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Mindburn-Labs/certledger/pkg/archive"
	"github.com/Mindburn-Labs/certledger/pkg/audit"
	"github.com/Mindburn-Labs/certledger/pkg/config"
	"github.com/Mindburn-Labs/certledger/pkg/engine"
	"github.com/Mindburn-Labs/certledger/pkg/halt"
	"github.com/Mindburn-Labs/certledger/pkg/observability"
	"github.com/Mindburn-Labs/certledger/pkg/packet"
	"github.com/Mindburn-Labs/certledger/pkg/replay"
	"github.com/Mindburn-Labs/certledger/pkg/store"
	"github.com/Mindburn-Labs/certledger/pkg/wire"
)

// runtime holds the collaborators a command builds from the configuration.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	trail   audit.Trail
	states  *store.SQLStateStore
	latch   halt.Latch
	closers []func() error
}

// openRuntime connects the trail, state store and halt latch. Without a
// database the trail lives in memory and starts empty.
func openRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	if cfg.Database.Driver == "" {
		rt.trail = audit.NewMemoryTrail()
	} else {
		db, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, db.Close)
		if err := rt.initSQL(ctx, db); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}

	if cfg.Redis.Addr != "" {
		l := halt.NewRedisLatch(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		rt.closers = append(rt.closers, l.Close)
		if err := l.Ping(ctx); err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("redis latch: %w", err)
		}
		rt.latch = l
	} else {
		rt.latch = halt.NewMemoryLatch()
	}
	return rt, nil
}

func (rt *runtime) initSQL(ctx context.Context, db *sql.DB) error {
	trail := store.NewSQLTrail(db)
	if err := trail.Init(ctx); err != nil {
		return fmt.Errorf("init trail: %w", err)
	}
	states := store.NewSQLStateStore(db)
	if err := states.Init(ctx); err != nil {
		return fmt.Errorf("init state store: %w", err)
	}
	rt.trail, rt.states = trail, states
	return nil
}

// Close releases connections in reverse order of opening.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func (rt *runtime) replayOptions() (replay.Options, error) {
	genesis, err := rt.cfg.GenesisState()
	if err != nil {
		return replay.Options{}, err
	}
	set, err := engine.NewGuardSet(rt.cfg.Policies)
	if err != nil {
		return replay.Options{}, err
	}
	packets, err := rt.cfg.PacketVerifier()
	if err != nil {
		return replay.Options{}, err
	}
	seals, err := rt.cfg.SealVerifier()
	if err != nil {
		return replay.Options{}, err
	}
	authority, err := rt.cfg.AuthorityKeys()
	if err != nil {
		return replay.Options{}, err
	}
	return replay.Options{
		Genesis:           genesis,
		Guards:            set,
		Arith:             rt.cfg.Arith,
		Packets:           packets,
		VersionConstraint: rt.cfg.VersionConstraint,
		Seals:             seals,
		Authority:         authority,
		Logger:            rt.logger,
	}, nil
}

// replay re-executes the stored trail.
func (rt *runtime) replay(ctx context.Context) (*replay.Report, error) {
	opts, err := rt.replayOptions()
	if err != nil {
		return nil, err
	}
	return replay.Trail(ctx, rt.trail, opts)
}

// engine resumes an engine from the replayed trail. The trail is the source
// of truth: the stored state must agree with it and a trail that ends halted
// re-arms the latch.
func (rt *runtime) engine(ctx context.Context, frames io.Writer) (*engine.Engine, error) {
	opts, err := rt.replayOptions()
	if err != nil {
		return nil, err
	}
	rep, err := replay.Trail(ctx, rt.trail, opts)
	if err != nil {
		return nil, err
	}
	if !rep.Valid() {
		return nil, fmt.Errorf("trail does not replay: %w", rep.Divergence)
	}

	if rt.states != nil {
		_, root, err := rt.states.Latest(ctx)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if rep.FinalVersion != 0 {
				return nil, fmt.Errorf("state store is empty but the trail reached version %d", rep.FinalVersion)
			}
		case err != nil:
			return nil, err
		case root != rep.FinalRoot:
			return nil, fmt.Errorf("stored state root %s disagrees with replayed root %s", root, rep.FinalRoot)
		}
	}

	if rep.Halted {
		if _, halted, err := rt.latch.Get(ctx, rt.cfg.ContextID); err != nil {
			return nil, err
		} else if !halted {
			if _, err := rt.latch.Set(ctx, rt.cfg.ContextID, rep.HaltSeal); err != nil {
				return nil, err
			}
		}
		rt.logger.WarnContext(ctx, "trail ends halted", "seal", rep.HaltSeal)
	}

	chain, err := packet.NewChain(packet.Options{
		VersionConstraint: rt.cfg.VersionConstraint,
		Verifier:          opts.Packets,
		Head:              rep.PacketHead,
		Sequence:          rep.PacketSeq,
	})
	if err != nil {
		return nil, err
	}

	signer, err := rt.cfg.Signer()
	if err != nil {
		return nil, err
	}
	if signer == nil {
		rt.logger.WarnContext(ctx, "no signer configured, bundles will halt at sealing", "env", rt.cfg.Keys.SignerSeedEnv)
	}

	arch, err := archive.New(ctx, rt.cfg.Archive)
	if err != nil {
		return nil, err
	}
	if c, ok := arch.(io.Closer); ok {
		rt.closers = append(rt.closers, c.Close)
	}

	tel, err := observability.New(ctx, rt.cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() error {
		return tel.Shutdown(context.Background())
	})

	eo := engine.Options{
		ContextID: rt.cfg.ContextID,
		Initial:   rep.State,
		Chain:     chain,
		Guards:    opts.Guards,
		Signer:    signer,
		Trail:     rt.trail,
		Latch:     rt.latch,
		Authority: opts.Authority,
		Arith:     rt.cfg.Arith,
		Telemetry: tel,
		Logger:    rt.logger,
	}
	if rt.states != nil {
		eo.States = rt.states
	}
	if arch != nil {
		eo.Archive = arch
	}
	if frames != nil {
		eo.Frames = wire.NewWriter(frames)
	}
	return engine.New(eo)
}
