// Package serve implements the `replicate serve` command: it starts one
// node of the cluster, wiring internal/config, internal/replicate,
// internal/forward and internal/frontend together exactly the way the
// teacher's serve command wired its own ServerConfig into rpc/server.
package serve

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"

	"github.com/volantsearch/replicate/internal/codec"
	"github.com/volantsearch/replicate/internal/config"
	"github.com/volantsearch/replicate/internal/forward"
	"github.com/volantsearch/replicate/internal/frontend"
	"github.com/volantsearch/replicate/internal/metrics"
	"github.com/volantsearch/replicate/internal/replicate"
	"github.com/volantsearch/replicate/internal/store"
)

var log = logger.GetLogger("serve")

// ServeCmd starts a node and blocks until it is shut down.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a replicate node",
	Long: `Start a replicate node. Configuration can be set via command line
flags, environment variables (REPLICATE_<flag>) or an optional YAML file
passed with --config-file.`,
	RunE: run,
}

func init() {
	config.AddFlags(ServeCmd)
}

// storeHolder breaks the construction cycle between the front-end (which
// needs a frontend.StoreProvider) and the state machine (which is the only
// thing that can actually provide one, but must itself be constructed with
// the front-end already in hand as its wire.Dispatcher).
type storeHolder struct {
	sm *replicate.StateMachine
}

func (h *storeHolder) Store() *store.Store { return h.sm.Store() }

func run(cmd *cobra.Command, _ []string) error {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	cfg, err := config.Load(cmd)
	if err != nil {
		return err
	}
	logger.GetLogger("dragonboat").SetLevel(parseLogLevel(cfg.LogLevel))

	c, err := codecFor(cfg.Codec)
	if err != nil {
		return err
	}

	holder := &storeHolder{}
	collections := frontend.NewCollections(holder)
	router := frontend.NewRouter(holder, collections)
	fe := frontend.New(router, collections, cfg.ForwarderPoolSize)

	sm := replicate.New(1, c, fe, collections)
	holder.sm = sm
	sm.AllowUnsafeSingleNodeReset = cfg.AllowUnsafeSingleNodeReset

	fwd := forward.New(sm, fe, cfg.ForwarderPoolSize)
	sm.SetForwarder(fwd)

	ingress := frontend.NewIngress(sm, fe)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sm.Start(ctx, replicate.Options{
		PeeringEndpoint:      cfg.PeeringEndpoint,
		APIPort:              cfg.APIPort,
		ElectionTimeoutMS:    cfg.ElectionTimeoutMS,
		SnapshotIntervalS:    cfg.SnapshotIntervalS,
		RaftDir:              cfg.RaftDir,
		StateDir:             cfg.StateDir,
		NodesConfig:          cfg.NodesConfig,
		CreateInitDBSnapshot: cfg.CreateInitDBSnapshot,
	}); err != nil {
		return fmt.Errorf("start replica: %w", err)
	}

	metrics.Register(sm)

	admin := chi.NewRouter()
	admin.Mount("/debug/pprof", http.DefaultServeMux)
	admin.Handle("/metrics", metrics.Handler())
	admin.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if sm.IsAlive() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	top := chi.NewRouter()
	top.Handle("/debug/pprof/*", admin)
	top.Handle("/metrics", admin)
	top.Handle("/healthz", admin)
	top.Handle("/*", ingress)

	addr := fmt.Sprintf(":%d", cfg.APIPort)
	srv := &http.Server{Addr: addr, Handler: top}

	log.Infof("listening on %s (peering %s)", addr, cfg.PeeringEndpoint)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-stop:
		log.Infof("shutting down")
		sm.Shutdown()
		return sm.Close()
	}
}

func codecFor(kind string) (codec.Codec, error) {
	switch kind {
	case "binary":
		return codec.New(), nil
	case "json":
		return codec.NewJSON(), nil
	case "gob":
		return codec.NewGOB(), nil
	default:
		return nil, fmt.Errorf("invalid codec %q", kind)
	}
}

func parseLogLevel(level string) logger.LogLevel {
	switch level {
	case "debug":
		return logger.DEBUG
	case "warn":
		return logger.WARNING
	case "error":
		return logger.ERROR
	default:
		return logger.INFO
	}
}
