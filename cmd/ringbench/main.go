// ringbench drives a ring with synthetic producers and consumers and reports
// throughput and end-to-end latency.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/aradilov/seqring"
	"github.com/rcrowley/go-metrics"
	"github.com/urfave/cli/v2"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML ring configuration; flags given explicitly override it",
	}
	capacityFlag = &cli.Uint64Flag{
		Name:  "capacity",
		Value: 1 << 14,
		Usage: "number of slots, a power of two",
	}
	slotSizeFlag = &cli.IntFlag{
		Name:  "slot-size",
		Value: 64,
		Usage: "bytes per slot, a multiple of 8",
	}
	producersFlag = &cli.IntFlag{
		Name:  "producers",
		Value: 1,
		Usage: "producer goroutines; more than one selects the multi-producer claim",
	}
	consumersFlag = &cli.IntFlag{
		Name:  "consumers",
		Value: 1,
		Usage: "consumer goroutines",
	}
	modeFlag = &cli.StringFlag{
		Name:  "mode",
		Value: "single",
		Usage: "consumer mode: single, fixed-multi or work-stealing",
	}
	waitFlag = &cli.StringFlag{
		Name:  "wait",
		Value: "yield",
		Usage: "wait strategy: spin, yield or park",
	}
	messagesFlag = &cli.IntFlag{
		Name:  "messages",
		Value: 1_000_000,
		Usage: "records written across all producers",
	}
	payloadFlag = &cli.IntFlag{
		Name:  "payload",
		Usage: "variable-length message size in bytes; 0 writes one fixed slot per record",
	}
	pinFlag = &cli.BoolFlag{
		Name:  "pin",
		Usage: "pin consumer i to CPU i",
	}
	verbosityFlag = &cli.BoolFlag{
		Name:  "verbose",
		Usage: "log ring and consumer lifecycle",
	}
)

func main() {
	app := &cli.App{
		Name:  "ringbench",
		Usage: "ring buffer throughput and latency benchmark",
		Flags: []cli.Flag{
			configFlag, capacityFlag, slotSizeFlag, producersFlag, consumersFlag,
			modeFlag, waitFlag, messagesFlag, payloadFlag, pinFlag, verbosityFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(ctx *cli.Context) *slog.Logger {
	level := slog.LevelInfo
	if ctx.Bool(verbosityFlag.Name) {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ringConfig merges the config file, if any, with explicitly set flags.
// Without a file the flag defaults apply.
func ringConfig(ctx *cli.Context, log *slog.Logger) (seqring.Config, error) {
	var (
		cfg seqring.Config
		err error
	)
	fromFile := ctx.IsSet(configFlag.Name)
	if fromFile {
		if cfg, err = seqring.LoadConfig(ctx.String(configFlag.Name)); err != nil {
			return cfg, err
		}
	}
	set := func(name string) bool { return !fromFile || ctx.IsSet(name) }

	if set(capacityFlag.Name) {
		cfg.Capacity = ctx.Uint64(capacityFlag.Name)
	}
	if set(slotSizeFlag.Name) {
		cfg.SlotSize = ctx.Int(slotSizeFlag.Name)
	}
	if set(modeFlag.Name) {
		if err := cfg.Consumer.UnmarshalText([]byte(ctx.String(modeFlag.Name))); err != nil {
			return cfg, err
		}
	}
	if set(waitFlag.Name) {
		if err := cfg.Wait.UnmarshalText([]byte(ctx.String(waitFlag.Name))); err != nil {
			return cfg, err
		}
	}
	if ctx.Int(producersFlag.Name) > 1 {
		cfg.Producer = seqring.MultiProducer
	}
	switch cfg.Consumer {
	case seqring.FixedMultiConsumer:
		if set(consumersFlag.Name) || cfg.Consumers == 0 {
			cfg.Consumers = ctx.Int(consumersFlag.Name)
		}
	case seqring.SingleConsumer:
		cfg.Consumers = 1
	}
	cfg.Logger = log
	return cfg, nil
}

func run(ctx *cli.Context) error {
	log := newLogger(ctx)
	cfg, err := ringConfig(ctx, log)
	if err != nil {
		return err
	}
	r, err := seqring.New(cfg)
	if err != nil {
		return err
	}

	var (
		producers = ctx.Int(producersFlag.Name)
		messages  = ctx.Int(messagesFlag.Name)
		payload   = ctx.Int(payloadFlag.Name)
		consumers = r.Config().Consumers
	)
	if r.Config().Consumer == seqring.WorkStealing {
		consumers = ctx.Int(consumersFlag.Name)
	}
	if producers < 1 || consumers < 1 || messages < 1 {
		return fmt.Errorf("need at least one producer, consumer and message")
	}
	if payload > 0 && payload < 8 {
		payload = 8 // room for the timestamp
	}

	reg := metrics.NewRegistry()
	if err := r.RegisterMetrics("ring", reg); err != nil {
		return err
	}
	latency := metrics.NewRegisteredTimer("bench/latency", reg)
	throughput := metrics.NewRegisteredMeter("bench/throughput", reg)
	defer throughput.Stop()

	cs := make([]*seqring.Consumer, consumers)
	for i := range cs {
		if cs[i], err = r.Register(); err != nil {
			return err
		}
	}

	// every fixed-multi consumer sees every record
	expected := int64(messages)
	if r.Config().Consumer == seqring.FixedMultiConsumer {
		expected *= int64(consumers)
	}

	log.Info("benchmark starting",
		"capacity", cfg.Capacity, "slot", r.SlotSize(), "producer", r.Config().Producer,
		"consumer", r.Config().Consumer, "consumers", consumers, "producers", producers,
		"messages", messages, "payload", payload)

	runCtx, cancel := context.WithCancel(ctx.Context)
	defer cancel()
	var handled atomic.Int64
	observe := func(b []byte) {
		latency.Update(time.Duration(time.Now().UnixNano() - int64(binary.LittleEndian.Uint64(b))))
		throughput.Mark(1)
		if handled.Add(1) == expected {
			cancel()
		}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(runCtx)
	for i, c := range cs {
		var opts []seqring.RunOption
		if ctx.Bool(pinFlag.Name) {
			opts = append(opts, seqring.PinToCPU(i))
		}
		if payload > 0 {
			g.Go(func() error {
				return c.RunMessages(gctx, func(m seqring.Message) error { observe(m.Payload); return nil }, opts...)
			})
		} else {
			g.Go(func() error {
				return c.Run(gctx, func(_ seqring.Sequence, slot []byte) error { observe(slot); return nil }, opts...)
			})
		}
	}
	for p := 0; p < producers; p++ {
		n := messages / producers
		if p < messages%producers {
			n++
		}
		g.Go(func() error { return produce(gctx, r, n, payload) })
	}
	if err := g.Wait(); err != nil && handled.Load() != expected {
		return err
	}
	elapsed := time.Since(start)

	log.Info("benchmark done",
		"elapsed", elapsed, "handled", handled.Load(),
		"rate", fmt.Sprintf("%.0f/s", float64(messages)/elapsed.Seconds()),
		"p50", time.Duration(latency.Percentile(0.5)), "p99", time.Duration(latency.Percentile(0.99)))
	metrics.WriteOnce(reg, os.Stdout)
	return nil
}

// produce writes n records, each stamped with its creation time.
func produce(ctx context.Context, r *seqring.Ring, n, payload int) error {
	buf := make([]byte, payload)
	for i := 0; i < n; i++ {
		if payload > 0 {
			binary.LittleEndian.PutUint64(buf, uint64(time.Now().UnixNano()))
			if _, err := r.WriteMessage(ctx, 0, buf); err != nil {
				return err
			}
			continue
		}
		rng, err := r.Reserve(ctx, 1)
		if err != nil {
			return err
		}
		if err := r.WriteFunc(rng.Lo, func(slot []byte) {
			binary.LittleEndian.PutUint64(slot, uint64(time.Now().UnixNano()))
		}); err != nil {
			return err
		}
		if err := r.Publish(rng); err != nil {
			return err
		}
	}
	return nil
}
