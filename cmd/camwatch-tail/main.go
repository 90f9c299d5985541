// Package main prints the CamWatch realtime feed to the terminal
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Spatial-NVR/CamWatch/internal/wsclient"
)

func main() {
	cfg := wsclient.DefaultConfig(getEnv("CAMWATCH_URL", "ws://localhost:3000/ws"))
	flag.StringVar(&cfg.URL, "url", cfg.URL, "realtime feed URL")
	flag.IntVar(&cfg.MaxAttempts, "attempts", cfg.MaxAttempts, "reconnection attempts before giving up")
	flag.DurationVar(&cfg.MaxDelay, "max-delay", cfg.MaxDelay, "upper bound of the reconnection delay")
	verbose := flag.Bool("v", false, "log connection state to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := wsclient.New(cfg).Run(ctx, printEvent)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, wsclient.ErrGaveUp):
		fmt.Fprintf(os.Stderr, "camwatch-tail: %s unreachable after %d attempts\n", cfg.URL, cfg.MaxAttempts)
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "camwatch-tail: %v\n", err)
		os.Exit(1)
	}
}

func printEvent(e wsclient.Event) {
	ts := e.Timestamp.Local().Format(time.DateTime)
	switch e.Type {
	case wsclient.TypeConnected:
		fmt.Printf("%s  connected\n", ts)
	case wsclient.TypeCameraStatusChange:
		cs := e.CameraStatus
		state := "OFFLINE"
		if cs.IsOnline {
			state = "ONLINE"
		}
		fmt.Printf("%s  camera %d %-7s %s\n", ts, cs.CameraID, state, cs.CameraNome)
	case wsclient.TypeNotification:
		n := e.Notification
		fmt.Printf("%s  [%s] %s: %s\n", ts, n.Type, n.Title, n.Message)
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
