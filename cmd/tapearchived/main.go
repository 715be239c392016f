// Command tapearchived is the archival daemon: it owns the catalog,
// the tape library, the work queue, and the control socket, and wires
// them together at startup.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tapearchived/tapearchived/internal/catalog"
	"github.com/tapearchived/tapearchived/internal/config"
	"github.com/tapearchived/tapearchived/internal/control"
	"github.com/tapearchived/tapearchived/internal/daemon"
	"github.com/tapearchived/tapearchived/internal/library"
	"github.com/tapearchived/tapearchived/internal/logx"
	"github.com/tapearchived/tapearchived/internal/mailer"
	"github.com/tapearchived/tapearchived/internal/queue"
	"github.com/tapearchived/tapearchived/internal/tasks"
)

const (
	defaultConfigPath  = "/etc/tapearchived/tapearchived.toml"
	defaultPidPath     = "/tmp/tapearchived_service.pid"
	defaultSocketPath  = "/tmp/tapearchived_service.sock"
	defaultCatalogPath = "/var/lib/tapearchived/database.json"
	defaultQueuePath   = "/var/lib/tapearchived/queue.json"
	defaultLogPath     = "/var/log/tapearchived.log"
)

var (
	queueDepth  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tapearchived_queue_depth", Help: "Number of items currently queued."})
	failedItems = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tapearchived_failed_items", Help: "Number of quarantined failed items."})
	taskRuns    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tapearchived_task_runs_total", Help: "Completed task runs by kind and outcome."}, []string{"kind", "outcome"})
)

func init() {
	prometheus.MustRegister(queueDepth, failedItems, taskRuns)
}

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logx.Fatalf(nil, "loading configuration: %v", err)
	}

	if err := logx.UseRotatingFile(defaultLogPath, 100_000, 3); err != nil {
		logx.Errorf(nil, "falling back to stderr logging: %v", err)
	}

	life, err := daemon.Lock(defaultPidPath)
	if err != nil {
		logx.Fatalf(nil, "%v", err)
	}

	ctx, cancel := life.Context()
	defer cancel()

	cat := catalog.New(defaultCatalogPath)
	lib := library.New(cfg.LibraryDevice(), cfg.DriveSerial(), cat)
	q := queue.New(defaultQueuePath)
	mail := mailer.New(cfg.SMTP())

	deps := &tasks.Deps{Catalog: cat, Library: lib, Config: cfg, Mailer: mail}
	q.RegisterHandler(queue.KindPrepare, instrumented("prepare", tasks.Prepare(deps)))
	q.RegisterHandler(queue.KindArchive, instrumented("archive", tasks.Archive(deps)))
	q.RegisterHandler(queue.KindRestore, instrumented("restore", tasks.Restore(deps)))
	q.RegisterHandler(queue.KindExplore, instrumented("explore", tasks.Explore(deps)))
	q.RegisterHandler(queue.KindInventory, instrumented("inventory", tasks.Inventory(deps)))

	go q.Worker(ctx)

	if cfg.MetricsEnabled() {
		go serveMetrics(cfg.MetricsListen())
		go reportQueueMetrics(ctx, q)
	}

	srv := control.NewServer(defaultSocketPath, control.Deps{
		Catalog: cat, Library: lib, Queue: q, Config: cfg,
	})
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	logx.Infof(nil, "tapearchived listening on %s", defaultSocketPath)
	if err := srv.Serve(ctx); err != nil {
		logx.Errorf(nil, "control server stopped: %v", err)
	}

	life.Shutdown(lib)
	fmt.Println("tapearchived stopped")
}

func instrumented(kind string, h queue.Handler) queue.Handler {
	return func(ctx context.Context, item *queue.Item) error {
		err := h(ctx, item)
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		taskRuns.WithLabelValues(kind, outcome).Inc()
		return err
	}
}

func reportQueueMetrics(ctx context.Context, q *queue.Queue) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		all := q.All()
		failed := 0
		for _, item := range all {
			if item.IsError() {
				failed++
			}
		}
		queueDepth.Set(float64(len(all)))
		failedItems.Set(float64(failed))
	}
}

func serveMetrics(addr string) {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	logx.Infof(nil, "metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		logx.Errorf(nil, "metrics server stopped: %v", err)
	}
}
