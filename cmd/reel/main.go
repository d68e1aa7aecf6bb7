package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reel/fmp4"
	"github.com/zsiec/reel/media"
	"github.com/zsiec/reel/record"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	out := envOr("OUT", "out.mp4")
	width := envInt("WIDTH", 1280)
	height := envInt("HEIGHT", 720)
	fps := envInt("FPS", 30)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, finishing recording", "signal", sig)
		cancel()
	}()

	f, err := os.Create(out)
	if err != nil {
		slog.Error("failed to create output file", "error", err)
		os.Exit(1)
	}
	defer f.Close()

	writer, err := fmp4.NewWriter(fmp4.Config{
		Target:  f,
		Encoder: newDemoEncoder(),
	})
	if err != nil {
		slog.Error("failed to create writer", "error", err)
		os.Exit(1)
	}

	mgr := record.NewManager(nil)
	session, ok := mgr.Create("default", record.Config{
		Writer: writer,
		Width:  width,
		Height: height,
	})
	if !ok {
		os.Exit(1)
	}
	if err := session.Start(); err != nil {
		slog.Error("failed to start session", "error", err)
		os.Exit(1)
	}

	slog.Info("reel starting",
		"version", version,
		"out", out,
		"size", strconv.Itoa(width)+"x"+strconv.Itoa(height),
		"fps", fps,
	)

	pump := record.NewPump(session, 0, 0)
	pattern := media.NewTestPattern(width, height)
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pump.Run(ctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Second / time.Duration(fps))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				pump.OfferFrame(media.Frame{
					Surface: pattern,
					PTS:     time.Since(start),
					HasPTS:  true,
				})
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				st := session.Stats()
				slog.Info("recording",
					"frames", st.FramesSubmitted,
					"dropped", st.FramesDropped,
					"pts", st.LastVideoPTS,
				)
			}
		}
	})

	if err := g.Wait(); err != nil {
		slog.Error("recording loop error", "error", err)
	}

	done := make(chan struct{})
	session.Finish(func() { close(done) })
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		slog.Error("timed out waiting for finalization")
		os.Exit(1)
	}
	mgr.Remove("default")

	st := session.Stats()
	slog.Info("recording finished",
		"state", session.State().String(),
		"out", out,
		"frames", st.FramesSubmitted,
		"dropped", st.FramesDropped,
	)
	if err := session.Err(); err != nil {
		slog.Error("recording failed", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
