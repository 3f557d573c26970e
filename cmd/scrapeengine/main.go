// Command scrapeengine boots the Reddit scrape/analytics/session service
// (spec.md §2).
//
// Startup sequence:
//  1. Load configuration (JSON file + .env + environment overlay).
//  2. Load the proxy list (optional).
//  3. Open the store, build shared HTTP clients, admission/circuit pairs,
//     the Forum Client, the Content Enricher and the analytics adapters.
//  4. Wire the Scheduler as the Session Engine's Runner and start the
//     Control API.
//  5. Resume any sessions left active across a restart and start the
//     heartbeat watchdog and the retention GC loop.
//  6. Block until OS signals SIGINT or SIGTERM, then shut down cleanly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nullflux/reddit-scrape-engine/internal/admission"
	"github.com/nullflux/reddit-scrape-engine/internal/analytics"
	"github.com/nullflux/reddit-scrape-engine/internal/breaker"
	"github.com/nullflux/reddit-scrape-engine/internal/config"
	"github.com/nullflux/reddit-scrape-engine/internal/controlapi"
	"github.com/nullflux/reddit-scrape-engine/internal/enricher"
	"github.com/nullflux/reddit-scrape-engine/internal/eventbus"
	"github.com/nullflux/reddit-scrape-engine/internal/forumclient"
	client "github.com/nullflux/reddit-scrape-engine/internal/httpclient"
	"github.com/nullflux/reddit-scrape-engine/internal/logger"
	"github.com/nullflux/reddit-scrape-engine/internal/metrics"
	"github.com/nullflux/reddit-scrape-engine/internal/proxy"
	"github.com/nullflux/reddit-scrape-engine/internal/scheduler"
	"github.com/nullflux/reddit-scrape-engine/internal/sessionengine"
	"github.com/nullflux/reddit-scrape-engine/internal/store"
)

// Exit codes per spec.md §6.
const (
	exitOK               = 0
	exitInit             = 1
	exitStoreUnreachable = 2
	exitPanic            = 3
)

const redditBaseURL = "https://www.reddit.com"

func main() {
	configFile := flag.String("config", "", "Path to JSON config file (optional; uses defaults + env if omitted)")
	envFile := flag.String("env", ".env", "Path to a .env file to load before applying environment overrides")
	flag.Parse()

	log := logger.New(logger.LevelInfo)
	log.Info("scrapeengine starting up")

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("unhandled panic: %v", r)
			os.Exit(exitPanic)
		}
	}()

	cfg, err := config.LoadFromEnv(*configFile, *envFile)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		os.Exit(exitInit)
	}
	log.Infof("configuration loaded (store=%q listen=%q)", cfg.StorePath, cfg.ListenAddr)

	pm := &proxy.ProxyManager{}
	if cfg.ProxyFile != "" {
		if err := pm.LoadProxies(cfg.ProxyFile); err != nil {
			log.Errorf("failed to load proxies from %q: %v", cfg.ProxyFile, err)
			os.Exit(exitInit)
		}
		log.Infof("loaded %d proxies from %q", pm.Count(), cfg.ProxyFile)
	} else {
		log.Info("no proxy file configured; clients will connect directly")
	}

	st, err := store.Open(cfg.StorePath, store.Config{
		MaxConnections: cfg.StoreMaxConnections,
		BusyTimeout:    cfg.StoreBusyTimeout,
		BatchSize:      cfg.StoreBatchSize,
	})
	if err != nil {
		log.Errorf("failed to open store at %q: %v", cfg.StorePath, err)
		os.Exit(exitStoreUnreachable)
	}
	defer st.Close()

	recorder := metrics.NewRecorder(st, 500, 5*time.Second)
	defer recorder.Stop()

	pool := client.PoolConfig{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
	}

	forumProxyAddr := pm.GetNextProxy()
	forumHTTP, err := client.NewHTTPClient(forumProxyAddr, cfg.RequestTimeout, pool)
	if err != nil {
		log.Errorf("failed to build forum HTTP client: %v", err)
		os.Exit(exitInit)
	}
	enricherProxyAddr := pm.GetNextProxy()
	enricherHTTP, err := client.NewHTTPClient(enricherProxyAddr, cfg.RequestTimeout, pool)
	if err != nil {
		log.Errorf("failed to build enricher HTTP client: %v", err)
		os.Exit(exitInit)
	}

	breakerCfg := breaker.Config{
		FailureThreshold: cfg.CircuitFailureThreshold,
		CoolDown:         cfg.CircuitCoolDown,
		SuccessThreshold: cfg.CircuitSuccessThreshold,
	}
	forumAdmit := admission.NewLocal(cfg.AdmissionDefaultRate, cfg.AdmissionMinRate, cfg.AdmissionMaxRate)
	forumBreaker := breaker.New("forum-client", breakerCfg)
	forum := forumclient.New(forumHTTP, redditBaseURL, cfg.RedditUserAgent, forumAdmit, forumBreaker, log,
		forumclient.WithRecorder(recorder), forumclient.WithProxy(pm, forumProxyAddr),
		forumclient.WithRetryPolicy(time.Second, 2, cfg.MaxRetries, 0.25))

	enricherAdmit := admission.NewLocal(cfg.AdmissionDefaultRate, cfg.AdmissionMinRate, cfg.AdmissionMaxRate)
	enricherBreaker := breaker.New("content-enricher", breakerCfg)
	enr := enricher.New(enricherHTTP, enricherAdmit, enricherBreaker, cfg.EnricherConcurrency, enricher.WithProxy(pm, enricherProxyAddr))
	defer enr.Stop()

	adapters := analytics.Default()
	bus := eventbus.New(cfg.SubscriberQueueSize)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.CoalesceInterval = cfg.CoalesceInterval
	sched := scheduler.New(forum, forumBreaker, enr, st, bus, adapters, recorder, log, schedCfg)

	engCfg := sessionengine.Config{DrainTimeout: cfg.DrainTimeout, CoalesceInterval: cfg.CoalesceInterval}
	engine := sessionengine.New(st, bus, sched, log, engCfg)

	srv := controlapi.New(engine, st, bus, cfg, log, recorder)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Resume(ctx); err != nil {
		log.Errorf("failed to resume active sessions: %v", err)
	}
	engine.StartWatchdog(ctx, cfg.CoalesceInterval)
	defer engine.StopWatchdog()

	go runRetentionGC(ctx, st, log, cfg.RetentionDays)

	log.Infof("control API listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
		log.Errorf("control API server error: %v", err)
	}

	fmt.Println() // newline after ^C
	log.Info("scrapeengine shut down cleanly")
	os.Exit(exitOK)
}

// runRetentionGC deletes posts/users/metrics older than retentionDays once
// per hour, per spec.md §4.5's retention policy.
func runRetentionGC(ctx context.Context, st *store.Store, log *logger.Logger, retentionDays int) {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
			deleted, err := st.GC(ctx, cutoff)
			if err != nil {
				log.Errorf("retention GC failed: %v", err)
				continue
			}
			if deleted > 0 {
				log.Infof("retention GC removed %d rows older than %s", deleted, cutoff.Format(time.RFC3339))
			}
		}
	}
}
