package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/OpenIRL/srtla/internal/config"
	"github.com/OpenIRL/srtla/internal/dispatcher"
	"github.com/OpenIRL/srtla/internal/metrics"
	"github.com/OpenIRL/srtla/internal/udpsock"
	"github.com/OpenIRL/srtla/internal/wire"
)

func main() {
	def := config.Defaults()

	app := &cli.App{
		Name:  "srtla-rec",
		Usage: "SRTLA link-aggregation receiver, proxying to a downstream SRT server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "srtla_port",
				Usage: "UDP port to listen for SRTLA clients on",
				Value: int(def.SRTLAPort),
			},
			&cli.StringFlag{
				Name:  "srt_hostname",
				Usage: "hostname or IP of the downstream SRT server",
				Value: def.SRTHost,
			},
			&cli.IntFlag{
				Name:  "srt_port",
				Usage: "UDP port of the downstream SRT server",
				Value: int(def.SRTPort),
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug-level logging",
				Value: def.Verbose,
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "address to serve Prometheus metrics and health checks on",
				Value: def.MetricsAddr,
			},
			&cli.BoolFlag{
				Name:  "metrics-disabled",
				Usage: "disable the metrics HTTP server entirely",
				Value: def.MetricsDisabled,
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := config.Config{
		SRTLAPort:       uint16(c.Int("srtla_port")),
		SRTHost:         c.String("srt_hostname"),
		SRTPort:         uint16(c.Int("srt_port")),
		Verbose:         c.Bool("verbose"),
		MetricsAddr:     c.String("metrics-addr"),
		MetricsDisabled: c.Bool("metrics-disabled"),
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	srtAddr, err := udpsock.Resolve(cfg.SRTHost, cfg.SRTPort)
	if err != nil {
		return fmt.Errorf("resolve downstream SRT server: %w", err)
	}
	if !probeSRTServer(srtAddr) {
		log.Warn("downstream SRT server did not answer the startup handshake probe, continuing anyway",
			"addr", srtAddr)
	}

	met := metrics.New()

	disp, err := dispatcher.New(log, cfg.SRTLAPort, srtAddr, met)
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}
	defer disp.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)

	log.Info("srtla-rec starting",
		"srtla_port", cfg.SRTLAPort,
		"srt_addr", srtAddr,
		"metrics_addr", cfg.MetricsAddr,
		"metrics_disabled", cfg.MetricsDisabled,
	)

	g.Go(func() error {
		return disp.Run(ctx, func() int64 { return time.Now().Unix() })
	})

	if !cfg.MetricsDisabled {
		g.Go(func() error {
			log.Info("metrics server listening", "addr", cfg.MetricsAddr)
			return met.Serve(ctx, cfg.MetricsAddr)
		})
	}

	return g.Wait()
}

// probeSRTServer sends a minimal SRT induction handshake to addr and waits
// up to one second for any reply, purely as a startup sanity check: a
// non-response does not prevent the proxy from starting, since the SRT
// server may simply not be up yet.
func probeSRTServer(addr netip.AddrPort) bool {
	fd, err := udpsock.Connect(addr)
	if err != nil {
		return false
	}
	defer unix.Close(fd)

	// The probe needs a blocking read with a timeout, unlike every other
	// socket in this proxy: Connect returns a non-blocking fd for the
	// event loop's sake, so undo that just for this one-shot check.
	if err := unix.SetNonblock(fd, false); err != nil {
		return false
	}

	probe := make([]byte, wire.SRTMinHeaderLen)
	binary.BigEndian.PutUint16(probe, 0x8000|wire.SRTHandshakeType)

	if _, err := unix.Write(fd, probe); err != nil {
		return false
	}

	deadline := unix.Timeval{Sec: 1}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &deadline); err != nil {
		return false
	}

	buf := make([]byte, wire.MTU)
	_, err = unix.Read(fd, buf)
	return err == nil
}
