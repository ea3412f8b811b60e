package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"jitadmin.org/internal/directory"
	"jitadmin.org/internal/engine"
	"jitadmin.org/internal/events"
	"jitadmin.org/internal/grant"
	"jitadmin.org/internal/httpapi"
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

	var (
		store grant.Store
		db    *sql.DB
	)
	if dsn := os.Getenv("JIT_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
		db = pgStore.DB()
	} else {
		log.Print("JIT_PG_DSN not set, using in-memory store")
		store = grant.NewInMemory()
	}

	dir, err := buildDirectory()
	if err != nil {
		log.Fatalf("directory client: %v", err)
	}

	stream := events.New()
	dispatcher := notify.NewDispatcher(buildSenders(), stream)

	eng := engine.New(store, dir, dispatcher, engine.Config{
		PollInterval: envDuration("JIT_POLL_INTERVAL", 30*time.Second),
	})
	gateway := grant.NewGateway(store, dispatcher, grant.WithPoke(eng.Wake))

	api := httpapi.New(gateway, store, stream, httpapi.ReadyProbe{DB: db}, version)

	handler := api.Handler()
	handler = httpapi.RateLimit(handler, envInt("JIT_RATE_BURST", 20), envInt("JIT_RATE_PER_SEC", 10))
	handler = httpapi.MaxBodyBytes(handler, 1<<20)
	handler = httpapi.CORS(handler)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.LoggingJSON(handler)
	handler = httpapi.RequestID(handler)

	srv := &http.Server{
		Addr:              env("JIT_HTTP_ADDR", ":8080"),
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	log.Printf("Starting jitadmin-api %s on %s", version, srv.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)
	cancel()

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

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
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
