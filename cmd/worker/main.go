// The worker runs the lifecycle scheduler without the API surface. Point as
// many workers as needed at the same database; the store's conditional state
// updates keep them from double-processing a grant.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"jitadmin.org/internal/directory"
	"jitadmin.org/internal/engine"
	"jitadmin.org/internal/events"
	"jitadmin.org/internal/grant"
	"jitadmin.org/internal/notify"
	"jitadmin.org/internal/obs"
	"jitadmin.org/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	_ = godotenv.Load()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("JIT_PG_DSN")
	if dsn == "" {
		log.Fatal("JIT_PG_DSN is required, the worker is pointless without a shared store")
	}
	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	dir, err := buildDirectory()
	if err != nil {
		log.Fatalf("directory client: %v", err)
	}

	dispatcher := notify.NewDispatcher(buildSenders(), events.New())
	eng := engine.New(store, dir, dispatcher, engine.Config{
		PollInterval: envDuration("JIT_POLL_INTERVAL", 30*time.Second),
	})

	// Metrics and liveness only; grants are submitted through the API.
	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              env("JIT_WORKER_ADDR", ":8081"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Printf("Starting jitadmin-worker %s, metrics on %s", version, srv.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.SetReady(true)

	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)
	cancel()
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}

func buildDirectory() (directory.Directory, error) {
	endpoint := os.Getenv("JIT_DIRECTORY_URL")
	if endpoint == "" {
		log.Print("JIT_DIRECTORY_URL not set, using fake directory")
		return directory.NewFake(), nil
	}
	return directory.NewClient(endpoint,
		os.Getenv("JIT_DIRECTORY_CLIENT_ID"),
		os.Getenv("JIT_DIRECTORY_CLIENT_SECRET"))
}

func buildSenders() map[grant.Channel]notify.Sender {
	senders := make(map[grant.Channel]notify.Sender)
	if url := os.Getenv("JIT_WEBHOOK_URL"); url != "" {
		senders[grant.ChannelWebhook] = notify.NewWebhookSender(url, nil)
	}
	if addr := os.Getenv("JIT_SMTP_ADDR"); addr != "" {
		senders[grant.ChannelEmail] = notify.NewEmailSender(addr,
			env("JIT_SMTP_FROM", "jitadmin@localhost"),
			splitList(os.Getenv("JIT_SMTP_TO")), nil)
	}
	if url := os.Getenv("JIT_PSA_URL"); url != "" {
		senders[grant.ChannelPSA] = notify.NewPSASender(url, os.Getenv("JIT_PSA_API_KEY"), nil)
	}
	return senders
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
