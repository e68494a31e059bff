// Copyright (c) 2022-present, DiceDB contributors
// All rights reserved. Licensed under the BSD 3-Clause License. See LICENSE file in the project root for full license information.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sevenDatabase/SevenFlow/config"
	"github.com/sevenDatabase/SevenFlow/internal/delivery"
	"github.com/sevenDatabase/SevenFlow/internal/discovery"
	"github.com/sevenDatabase/SevenFlow/internal/durable"
	"github.com/sevenDatabase/SevenFlow/internal/harness/network"
	"github.com/sevenDatabase/SevenFlow/internal/observability"
)

func printConfiguration() {
	slog.Info("starting SevenFlow", slog.String("version", config.SevenFlowVersion))
	slog.Info("running with", slog.Int("buffer-size", config.Config.BufferSize))
	slog.Info("running with", slog.Bool("support-resend", config.Config.SupportResend))
	slog.Info("running with", slog.Int("soak-workers", config.Config.SoakWorkers))
	if config.Config.EnableDurableQueue {
		slog.Info("running with", slog.String("durable-queue-backend", config.Config.DurableQueueBackend))
	}
}

func printBanner() {
	fmt.Print(`
███████╗███████╗██╗   ██╗███████╗███╗   ██╗  ███████╗██╗      ██████╗ ██╗    ██╗
██╔════╝██╔════╝██║   ██║██╔════╝████╗  ██║  ██╔════╝██║     ██╔═══██╗██║    ██║
███████╗█████╗  ██║   ██║█████╗  ██╔██╗ ██║  █████╗  ██║     ██║   ██║██║ █╗ ██║
╚════██║██╔══╝  ╚██╗ ██╔╝██╔══╝  ██║╚██╗██║  ██╔══╝  ██║     ██║   ██║██║███╗██║
███████║███████╗ ╚████╔╝ ███████╗██║ ╚████║  ██║     ███████╗╚██████╔╝╚███╔███╔╝
╚══════╝╚══════╝  ╚═══╝  ╚══════╝╚═╝  ╚═══╝  ╚═╝     ╚══════╝ ╚═════╝  ╚══╝╚══╝

`)
}

// Start runs the loopback soak node: a work-pulling pool of in-process
// consumers behind a simulated lossy transport (or, in durable mode, a
// single durable producer stream), plus the metrics endpoint. It is the
// binary's runnable surface for observing the delivery subsystem under load.
func Start() {
	printBanner()
	printConfiguration()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigs
		slog.Info("shutting down")
		cancel()
	}()

	var metricsSrv *http.Server
	if config.Config.MetricsEnabled {
		mux := http.NewServeMux()
		observability.SetupPrometheus(mux)
		addr := fmt.Sprintf("%s:%d", config.Config.MetricsHost, config.Config.MetricsPort)
		metricsSrv = &http.Server{Addr: addr, Handler: mux}
		go func() {
			slog.Info("metrics endpoint listening", slog.String("addr", addr))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics endpoint failed", slog.Any("error", err))
			}
		}()
		defer metricsSrv.Close()
	}

	if config.Config.EnableDurableQueue {
		runDurableStream(ctx)
	} else {
		runWorkPool(ctx)
	}
}

// runWorkPool drives a WorkPullingRouter over SoakWorkers simulated
// consumers, optionally dropping transmissions and churning membership.
func runWorkPool(ctx context.Context) {
	routerID := "soak-" + uuid.NewString()[:8]
	registry := discovery.NewMemoryRegistry(nil)
	serviceKey := "sevenflow/soak"

	judge := func(i int, _ *delivery.SequencedMessage) network.Verdict {
		return network.Deliver
	}
	if n := config.Config.SoakDropEvery; n > 1 {
		judge = func(i int, _ *delivery.SequencedMessage) network.Verdict {
			if (i+1)%n == 0 {
				return network.Drop
			}
			return network.Deliver
		}
	}

	register := func(i int) string {
		id := fmt.Sprintf("worker-%d", i)
		sim := delivery.NewConsumerSim(0, config.Config.SupportResend)
		registry.Register(serviceKey, delivery.Worker{
			ID:       id,
			Endpoint: network.NewFlakyEndpoint(sim, judge),
		}, 0)
		return id
	}
	workerIDs := make([]string, 0, config.Config.SoakWorkers)
	for i := 0; i < config.Config.SoakWorkers; i++ {
		workerIDs = append(workerIDs, register(i))
	}

	opts := delivery.DefaultRouterOptions()
	opts.BufferSize = config.Config.BufferSize
	opts.Controller.SupportResend = config.Config.SupportResend
	opts.Controller.ResendInterval = time.Duration(config.Config.ResendIntervalMs) * time.Millisecond

	router := delivery.NewWorkPullingRouter(routerID, serviceKey, registry, opts)
	router.RunBackground(ctx)

	go registry.RunPruning(ctx, time.Duration(config.Config.PruningIntervalSec)*time.Second)

	if churn := config.Config.SoakChurnSec; churn > 0 {
		go func() {
			t := time.NewTicker(time.Duration(churn) * time.Second)
			defer t.Stop()
			next := config.Config.SoakWorkers
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					registry.Deregister(serviceKey, workerIDs[0])
					workerIDs = append(workerIDs[1:], register(next))
					next++
				}
			}
		}()
	}

	go reportLoop(ctx, routerID)

	nextCh := make(chan delivery.RequestNext, 1)
	router.Start(nextCh)
	askTimeout := time.Duration(config.Config.AdapterAskTimeoutSec) * time.Second
	submitted := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-router.Done():
			slog.Error("router terminated", slog.Any("error", router.Err()))
			return
		case rn := <-nextCh:
			if config.Config.SoakMessages > 0 && submitted >= config.Config.SoakMessages {
				slog.Info("soak complete", slog.Int("submitted", submitted))
				waitForDrain(ctx)
				return
			}
			payload := []byte(fmt.Sprintf("msg-%d", submitted+1))
			if (submitted+1)%10 == 0 {
				if _, err := delivery.Ask(ctx, rn, payload, askTimeout); err != nil {
					slog.Warn("confirmation ask failed", slog.Any("error", err))
				}
			} else {
				rn.SendNextTo(payload)
			}
			submitted++
		}
	}
}

// runDurableStream drives a single producer controller with the configured
// durable backend against one simulated consumer, demonstrating recovery
// semantics end to end.
func runDurableStream(ctx context.Context) {
	queue, err := openDurableQueue("soak-durable")
	if err != nil {
		slog.Error("could not open durable queue", slog.Any("error", err))
		return
	}
	defer queue.Close()

	opts := delivery.DefaultOptions()
	opts.SupportResend = config.Config.SupportResend
	opts.ResendInterval = time.Duration(config.Config.ResendIntervalMs) * time.Millisecond
	opts.Durable = queue
	pc, err := delivery.NewProducerController("soak-durable", opts)
	if err != nil {
		slog.Error("could not create producer controller", slog.Any("error", err))
		return
	}
	pc.RunBackground(ctx)

	sim := delivery.NewConsumerSim(0, config.Config.SupportResend)
	pc.RegisterConsumer(sim)

	go reportLoop(ctx, "soak-durable")

	nextCh := make(chan delivery.RequestNext, 1)
	pc.Start(nextCh)
	submitted := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-pc.Done():
			slog.Error("producer controller terminated", slog.Any("error", pc.Err()))
			return
		case rn := <-nextCh:
			if config.Config.SoakMessages > 0 && submitted >= config.Config.SoakMessages {
				slog.Info("soak complete", slog.Int("submitted", submitted))
				waitForDrain(ctx)
				return
			}
			rn.SendNextTo([]byte(fmt.Sprintf("msg-%d", submitted+1)))
			submitted++
		}
	}
}

func openDurableQueue(producerID string) (durable.Queue, error) {
	switch config.Config.DurableQueueBackend {
	case "walforge":
		return durable.OpenForgeQueue(filepath.Join(config.Config.DurableDir, producerID))
	case "sqlite":
		return durable.OpenSQLiteQueue(filepath.Join(config.Config.DurableDir, "sevenflow.db"), producerID)
	default:
		return nil, fmt.Errorf("unknown durable-queue-backend %q", config.Config.DurableQueueBackend)
	}
}

// reportLoop logs the aggregate delivery snapshot every few seconds.
func reportLoop(ctx context.Context, stream string) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			snap := delivery.Metrics.Snapshot()
			slog.Info("delivery status",
				slog.String("stream", stream),
				slog.Any("sends_total", snap["sends_total"]),
				slog.Any("resends_total", snap["resends_total"]),
				slog.Any("buffered", snap["buffered"]),
				slog.Any("workers", snap["workers"]),
				slog.Any("confirmed_seq_nr", snap["confirmed_seq_nr"]))
		}
	}
}

// waitForDrain gives in-flight confirmations a moment before shutdown.
func waitForDrain(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
	}
}
