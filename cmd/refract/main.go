package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/refract/certs"
	"github.com/zsiec/refract/decoder"
	"github.com/zsiec/refract/demux"
	"github.com/zsiec/refract/ingest"
	srtingest "github.com/zsiec/refract/ingest/srt"
	"github.com/zsiec/refract/media"
	"github.com/zsiec/refract/relay"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	srtAddr := envOr("SRT_ADDR", ":6000")
	relayAddr := envOr("RELAY_ADDR", ":4443")
	budget := time.Duration(envIntOr("DECODE_BUDGET_MS", 1000)) * time.Millisecond
	pullAddr := os.Getenv("SRT_PULL_ADDR")
	pullKey := envOr("SRT_PULL_KEY", "default")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	a := &app{budget: budget}

	if relayAddr != "" && relayAddr != "off" {
		slog.Info("generating self-signed certificate")
		var certHosts []string
		if v := os.Getenv("RELAY_CERT_HOSTS"); v != "" {
			certHosts = strings.Split(v, ",")
		}
		certValidity := time.Duration(envIntOr("RELAY_CERT_DAYS", 14)) * 24 * time.Hour
		cert, err := certs.Generate(certValidity, certHosts...)
		if err != nil {
			slog.Error("failed to generate cert", "error", err)
			os.Exit(1)
		}
		slog.Info("certificate generated",
			"fingerprint", cert.FingerprintBase64(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
		a.relaySrv = relay.NewServer(relayAddr, cert, nil)
	}

	slog.Info("refract starting",
		"version", version,
		"srt", srtAddr,
		"relay", relayAddr,
		"decode_budget", budget,
	)

	g, ctx := errgroup.WithContext(ctx)

	// Create the registry after the errgroup so the stream handler captures
	// the errgroup-derived context and winds down when any component fails.
	a.registry = ingest.NewRegistry(func(stream *ingest.Stream) {
		a.handleNewStream(ctx, stream)
	})

	srtSrv := srtingest.NewServer(srtAddr, a.registry, nil)
	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	if a.relaySrv != nil {
		g.Go(func() error {
			return a.relaySrv.Start(ctx)
		})
	}

	if pullAddr != "" {
		caller := srtingest.NewCaller(a.registry, nil)
		g.Go(func() error {
			if err := caller.Pull(ctx, srtingest.PullRequest{
				Address:   pullAddr,
				StreamKey: pullKey,
			}); err != nil {
				return fmt.Errorf("srt pull: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

type app struct {
	registry *ingest.Registry
	relaySrv *relay.Server
	budget   time.Duration
}

// handleNewStream drives the decode loop for one ingest stream. It runs
// on the registry's callback goroutine and returns when the stream ends.
func (a *app) handleNewStream(ctx context.Context, stream *ingest.Stream) {
	log := slog.With("stream", stream.Key)
	log.Info("new stream from ingest")

	src := demux.NewTSSource(stream.Reader(), log)
	dec := decoder.New(src, log)

	var decoded uint64
	start := time.Now()
	for {
		if ctx.Err() != nil {
			break
		}

		msg, err := dec.Decode(a.budget)
		switch {
		case err == nil:
			decoded++
			if a.relaySrv != nil {
				a.relaySrv.Broadcast(msg)
			}
			log.Debug("decoded message",
				"type", msg.Type.String(),
				"pts_us", msg.PTS,
				"bytes", payloadLen(msg),
			)
		case errors.Is(err, io.EOF):
			log.Info("stream ended",
				"messages", decoded,
				"uptime", time.Since(start).Round(time.Millisecond),
			)
			return
		case errors.Is(err, decoder.ErrTimeout):
			// No frame within the budget. Retry unless shutting down.
			continue
		default:
			log.Error("decode failed", "error", err)
			return
		}
	}
}

func payloadLen(msg *media.Message) int {
	if msg.Payload == nil {
		return 0
	}
	return msg.Payload.Len()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer in environment", "key", key, "value", v)
		return fallback
	}
	return n
}
