// Command turnx-native is the media relay process. The host spawns it and
// speaks the framed request/reply protocol over stdin and stdout; logs go to
// stderr.
//
// Any fatal condition (malformed input, unknown command, missed cycle
// deadline, controller failure) makes the process exit with status 1. The
// host is expected to restart it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/thesyncim/turnx/pkg/config"
	"github.com/thesyncim/turnx/pkg/engine"
	_ "github.com/thesyncim/turnx/pkg/engine/loopback"
	_ "github.com/thesyncim/turnx/pkg/engine/native"
	_ "github.com/thesyncim/turnx/pkg/engine/rtprelay"
	"github.com/thesyncim/turnx/pkg/runloop"
	"github.com/thesyncim/turnx/pkg/session"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr, os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "turnx-native: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, getenv func(string) string) error {
	cfg, err := config.Load(args, getenv, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	log := newLogger(stderr, cfg.Debug)
	defer log.Sync()

	tuning, err := config.LoadTuning(cfg.TuningFile)
	if err != nil {
		return err
	}

	eng, err := engine.Open(cfg.Engine, engine.Options{Logger: log, LibraryPath: cfg.LibraryPath})
	if err != nil {
		return err
	}
	log.Info("starting",
		zap.String("engine", eng.Name()),
		zap.Duration("deadline", cfg.Deadline),
		zap.Int("integralSize", tuning.IntegralSize),
		zap.Int("fifoCapacity", tuning.FIFOCapacity))

	sessions := session.NewRegistry(eng, &tuning, log)
	sup := runloop.NewSupervisor(stdin, stdout, sessions, cfg.Supervisor(), log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return sup.Run(ctx)
	})

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			log.Info("received signal, shutting down", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("exiting", zap.Error(err))
		return err
	}
	log.Info("stopped", zap.Uint64("cycles", sup.Cycles()))
	return nil
}

// newLogger returns a JSON logger writing to w.
func newLogger(w io.Writer, debug bool) *zap.Logger {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(w), level)
	return zap.New(core, zap.AddCaller()).Named("turnx")
}
