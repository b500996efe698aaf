// Command terrastored runs one node of a terrastore ensemble: it loads
// the process config, wires the storage backend, router, discovery
// manager and update/query services, and serves both the inter-node
// protocol and the admin/metrics endpoint until it receives a shutdown
// signal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/terrastore-go/terrastore/internal/auth"
	"github.com/terrastore-go/terrastore/internal/command"
	"github.com/terrastore-go/terrastore/internal/config"
	"github.com/terrastore-go/terrastore/internal/discovery"
	"github.com/terrastore-go/terrastore/internal/ensemble"
	"github.com/terrastore-go/terrastore/internal/metrics"
	"github.com/terrastore-go/terrastore/internal/node"
	"github.com/terrastore-go/terrastore/internal/registry"
	"github.com/terrastore-go/terrastore/internal/router"
	"github.com/terrastore-go/terrastore/internal/service"
	"github.com/terrastore-go/terrastore/internal/store"
	"github.com/terrastore-go/terrastore/internal/store/memstore"
	"github.com/terrastore-go/terrastore/internal/store/mongostore"
	"github.com/terrastore-go/terrastore/internal/store/sqlstore"
	"github.com/terrastore-go/terrastore/internal/workpool"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "terrastored",
		Short:         "terrastored runs one node of a terrastore ensemble",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newProbeCmd())
	return root
}

// ------------------------------------------------------------------
// serve
// ------------------------------------------------------------------

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run this process as a terrastore node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "terrastore.conf", "path to the process config file (JSON with comments)")
	return cmd
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Kind {
	case config.StoreMemory, "":
		return memstore.New(), nil
	case config.StoreMongo:
		client, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.Store.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("terrastored: connect mongo: %w", err)
		}
		return mongostore.New(client.Database(cfg.Store.MongoDB)), nil
	case config.StoreSQL:
		db, err := sqlx.Open(cfg.Store.SQLDriver, cfg.Store.SQLDSN)
		if err != nil {
			return nil, fmt.Errorf("terrastored: open sql store: %w", err)
		}
		return sqlstore.New(db), nil
	default:
		return nil, fmt.Errorf("terrastored: unknown store kind %q", cfg.Store.Kind)
	}
}

// serve wires the full node and blocks until a termination signal arrives,
// then tears everything down in order: stop accepting new connections,
// stop discovery, disconnect every remote node, per the reference server's
// listenAndServe (server/shutdown.go) sequencing of listener, cluster then
// hub shutdown.
func serve(cfg *config.Config) error {
	logger := log.New(os.Stderr, "terrastored: ", log.LstdFlags)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}

	reg := registry.New()
	pool := workpool.NewPool(cfg.WorkerPoolSize, cfg.WorkerPoolRate)
	rtr := router.New(cfg.ClusterName)

	clusterAuth, err := auth.NewClusterAuth([]byte(cfg.ClusterSecret), cfg.HandshakeTTL)
	if err != nil {
		return fmt.Errorf("terrastored: cluster auth: %w", err)
	}

	host, port, err := splitHostPort(cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("terrastored: listen_addr: %w", err)
	}

	local := node.NewLocalNode(cfg.NodeName, host, port, st, reg, pool, rtr.LocalView)
	rtr.AddRouteTo(cfg.ClusterName, local)

	env := func() command.StoreEnv {
		return command.StoreEnv{Store: st, Registry: reg, Pool: pool, LocalView: rtr.LocalView}
	}
	listener, err := node.Listen(cfg.ListenAddr, cfg.ClusterName, clusterAuth, env, logger)
	if err != nil {
		return fmt.Errorf("terrastored: listen %s: %w", cfg.ListenAddr, err)
	}

	serveCtx, cancelServe := context.WithCancel(context.Background())
	serverDone := make(chan error, 1)
	go func() { serverDone <- listener.Serve(serveCtx) }()

	factory := func(cluster string, m ensemble.Member) node.Node {
		return node.NewRemoteNode(m.Name, m.Host, m.Port, cluster, clusterAuth, rtr.RingSignature)
	}
	discoveryMgr := discovery.New(rtr, factory, cfg.DiscoveryEvery, logger)

	if cfg.Ensemble != "" {
		topology, err := config.LoadTopology(cfg.Ensemble)
		if err != nil {
			return err
		}
		for _, c := range topology.Clusters {
			if c.Name == cfg.ClusterName {
				continue // local cluster's membership comes from the runtime, not a probe
			}
			rtr.AddCluster(ensemble.Cluster{Name: c.Name})
			discoveryMgr.Join(c.Name, ensemble.Member{Name: c.Bootstrap.Name, Host: c.Bootstrap.Host, Port: c.Bootstrap.Port})
		}
	}

	updateSvc := service.NewUpdateService(rtr, reg)
	querySvc := service.NewQueryService(rtr, reg, nil)

	if cfg.AdminAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", healthzHandler(rtr))
		mux.HandleFunc("/buckets", bucketsAdminHandler(updateSvc, querySvc))
		admin := &http.Server{Addr: cfg.AdminAddr, Handler: mux}
		go func() {
			if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("admin server stopped: %v", err)
			}
		}()
		defer admin.Close()
	}

	logger.Printf("node %q serving cluster %q on %s", cfg.NodeName, cfg.ClusterName, cfg.ListenAddr)

	stop := signalHandler()
	select {
	case <-stop:
		logger.Printf("shutdown signal received")
	case err := <-serverDone:
		if err != nil {
			logger.Printf("listener stopped: %v", err)
		}
	}

	cancelServe()
	listener.Close()
	discoveryMgr.Shutdown()
	local.Disconnect()

	return nil
}

// healthzHandler reports the local cluster's partition status —
// operator-facing, not a client-facing document API.
func healthzHandler(rtr *router.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rtr.Health() {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "partitioned")
	}
}

// bucketsAdminHandler exposes bucket lifecycle as an operator action
// (GET lists, POST creates, DELETE removes) over the admin port — cluster
// resource management, not a client-facing document CRUD API.
func bucketsAdminHandler(updateSvc *service.UpdateService, querySvc *service.QueryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		switch r.Method {
		case http.MethodGet:
			buckets, err := querySvc.GetBuckets(ctx)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(buckets)
		case http.MethodPost:
			name := r.URL.Query().Get("name")
			if name == "" {
				http.Error(w, "missing name", http.StatusBadRequest)
				return
			}
			if err := updateSvc.AddBucket(ctx, name); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			name := r.URL.Query().Get("name")
			if name == "" {
				http.Error(w, "missing name", http.StatusBadRequest)
				return
			}
			if err := updateSvc.RemoveBucket(ctx, name); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// ------------------------------------------------------------------
// probe
// ------------------------------------------------------------------

func newProbeCmd() *cobra.Command {
	var (
		clusterName string
		nodeName    string
		host        string
		port        int
		secret      string
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Dial a node once and print its membership view, for ops diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			clusterAuth, err := auth.NewClusterAuth([]byte(secret), defaultProbeTokenTTL)
			if err != nil {
				return err
			}
			n := node.NewRemoteNode(nodeName, host, port, clusterName, clusterAuth, func() string { return "" })
			ctx, cancel := context.WithTimeout(context.Background(), defaultProbeTimeout)
			defer cancel()
			if err := n.Connect(ctx); err != nil {
				return fmt.Errorf("probe: connect: %w", err)
			}
			defer n.Disconnect()

			result, err := n.Send(ctx, command.NewMembership())
			if err != nil {
				return fmt.Errorf("probe: membership: %w", err)
			}
			view, _ := result.(ensemble.View)
			fmt.Printf("cluster %q via %s:%d — %d member(s)\n", clusterName, host, port, len(view.Members))
			for _, m := range view.Members {
				fmt.Printf("  %s (%s:%d)\n", m.Name, m.Host, m.Port)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&clusterName, "cluster", "", "cluster name to present in the handshake (required)")
	cmd.Flags().StringVar(&nodeName, "as", "probe", "node name to present in the handshake")
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "target node host")
	cmd.Flags().IntVar(&port, "port", 0, "target node port (required)")
	cmd.Flags().StringVar(&secret, "secret", "", "ensemble cluster secret (required)")
	cmd.MarkFlagRequired("cluster")
	cmd.MarkFlagRequired("port")
	cmd.MarkFlagRequired("secret")

	return cmd
}

const (
	defaultProbeTimeout  = 5 * time.Second
	defaultProbeTokenTTL = 30 * time.Second
)

// signalHandler mirrors the reference server's signalHandler
// (server/shutdown.go): wait for SIGINT/SIGTERM/SIGHUP, don't care which.
func signalHandler() <-chan bool {
	stop := make(chan bool)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-sigCh
		log.Printf("terrastored: signal received: %s, shutting down", sig)
		stop <- true
	}()
	return stop
}

// splitHostPort parses a listen address into the host/port pair a Node
// advertises to peers (the ring needs a reachable host:port per node, not
// just the bind string).
func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return host, port, nil
}
