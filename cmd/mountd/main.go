// Command mountd drives an ESP mount and serves its status over HTTP,
// websocket and optionally the hamlib rotctld protocol.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/w1xm/espmount/espmount"
	"github.com/w1xm/espmount/espmount/simulator"
	"github.com/w1xm/espmount/internal/metrics"
	"github.com/w1xm/espmount/mount"
	"golang.org/x/sync/errgroup"
)

var (
	configPath = flag.String("config", "", "YAML configuration file")
	serialPort = flag.String("serial", "", "serial port name")
	baud       = flag.Int("baud", espmount.DefaultBaud, "serial line rate")
	simulate   = flag.Bool("simulate", false, "drive a simulated mount")
	addr       = flag.String("addr", "", "HTTP listen address")
	rotctld    = flag.String("rotctld", "", "rotctld listen address")
	verbose    = flag.Bool("verbose", false, "log every mount command")
)

// applyFlags overrides cfg with the flags given on the command line.
func applyFlags(cfg *Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "serial":
			cfg.Serial = *serialPort
		case "baud":
			cfg.Baud = *baud
		case "simulate":
			cfg.Simulate = *simulate
		case "addr":
			cfg.Listen = *addr
		case "rotctld":
			cfg.Rotctld = *rotctld
		case "verbose":
			cfg.Verbose = *verbose
		}
	})
}

// dialer returns how to reach the configured mount. A simulated mount is
// started afresh on every dial and lives until its connection closes.
func dialer(cfg Config) func(context.Context) (*espmount.Conn, error) {
	if cfg.Simulate {
		return func(ctx context.Context) (*espmount.Conn, error) {
			sim, conn := simulator.New(
				simulator.WithCPR(cfg.Simulator.CPR, cfg.Simulator.CPR),
				simulator.WithBufferSize(cfg.Simulator.BufferSize),
				simulator.WithSlewRate(cfg.Simulator.SlewRate),
				simulator.WithBrakeTime(cfg.Simulator.BrakeTime),
			)
			go func() {
				if err := sim.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
					log.Printf("simulator stopped: %v", err)
				}
			}()
			log.Print("started simulated mount")
			return espmount.New(conn), nil
		}
	}
	return func(context.Context) (*espmount.Conn, error) {
		return espmount.Open(espmount.SerialConfig{Port: cfg.Serial, Baud: cfg.Baud})
	}
}

func run(ctx context.Context, cfg Config) error {
	m, err := mount.New(cfg.MountConfig(time.Now()))
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.NewCollector(reg)
	if err != nil {
		return err
	}
	s := NewServer(ctx, cfg, m, collector)

	srv := &http.Server{
		Handler:     s.Router(),
		Addr:        cfg.Listen,
		ReadTimeout: 15 * time.Second,
	}

	if cfg.Rotctld != "" {
		if err := s.ListenRotctld(ctx, cfg.Rotctld); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Run(ctx, dialer(cfg))
	})
	g.Go(func() error {
		log.Printf("listening on %s", cfg.Listen)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func main() {
	flag.Parse()
	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}
