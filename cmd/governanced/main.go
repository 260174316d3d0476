// Command governanced runs a single governance-runtime node: the wasm
// execution engine, the content-addressed DAG store, the resource ledger,
// the federation transport, and the REST/websocket API, wired together the
// way cmd/synnergy's main.go assembles its subsystems before handing off to
// cobra, generalized here to a long-running daemon rather than a one-shot
// CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"governance-runtime/internal/api"
	"governance-runtime/internal/capability"
	"governance-runtime/internal/codec"
	"governance-runtime/internal/config"
	"governance-runtime/internal/dag"
	"governance-runtime/internal/engine"
	"governance-runtime/internal/events"
	"governance-runtime/internal/federation"
	"governance-runtime/internal/identity"
	"governance-runtime/internal/ledger"
	"governance-runtime/internal/node"
	"governance-runtime/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	genesisPath := flag.String("genesis", "", "path to a genesis identities file")
	flag.Parse()

	if err := run(*configPath, *genesisPath); err != nil {
		fmt.Fprintln(os.Stderr, "governanced:", err)
		os.Exit(1)
	}
}

func run(configPath, genesisPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := observability.NewLogger(cfg.Logging.File, cfg.Logging.Level)
	if err != nil {
		return err
	}
	hotLog, err := observability.NewHotPathLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer hotLog.Sync() //nolint:errcheck

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return err
	}

	hashAlg := codec.AlgSHA256
	if cfg.DAG.HashAlgorithm == "blake3" {
		hashAlg = codec.AlgBLAKE3
	}

	reg := identity.NewRegistry()

	operatorKeyPath := filepath.Join(cfg.Node.DataDir, "operator.key.json")
	signerDID, signerSecret, err := node.LoadOrCreateOperatorKey(operatorKeyPath)
	if err != nil {
		return err
	}
	if err := reg.Register(signerDID, identity.PublicKeyOf(signerSecret), identity.ScopeIndividual, time.Now().UTC()); err != nil {
		log.WithError(err).Warn("operator identity already registered")
	}

	genesis, err := node.LoadGenesis(genesisPath)
	if err != nil {
		return err
	}
	if err := node.ApplyGenesis(reg, genesis, time.Now().UTC()); err != nil {
		return err
	}
	log.WithField("did", signerDID).WithField("genesis_identities", len(genesis.Identities)).Info("identity registry bootstrapped")

	store, err := dag.NewStore(dag.Config{
		WALPath:         cfg.DAG.WALPath,
		OrphanBufferCap: cfg.DAG.OrphanBufferSize,
		HashAlg:         hashAlg,
	}, reg)
	if err != nil {
		return err
	}

	led := ledger.New()
	eng := engine.New()
	bus := events.NewBus(cfg.Events.BacklogBound)
	metrics := observability.NewMetrics()
	kv := node.NewScopedKV()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var transport capability.PeerTransport
	transport, err = federation.NewLibP2PTransport(ctx, cfg.Node.ListenAddr)
	if err != nil {
		return err
	}
	defer transport.(*federation.LibP2PTransport).Close()

	for _, addr := range cfg.Federation.BootstrapPeers {
		if err := transport.Connect(ctx, addr); err != nil {
			log.WithError(err).WithField("peer", addr).Warn("failed to dial bootstrap peer")
		}
	}

	blobs, err := node.NewDiskBlobStore(filepath.Join(cfg.Node.DataDir, "blobs"), hashAlg, transport)
	if err != nil {
		return err
	}

	n := node.New(node.Config{
		DAG: store, Ledger: led, Identity: reg, Engine: eng,
		Events: bus, Metrics: metrics, KV: kv, Blobs: blobs,
		HashAlg: hashAlg, SignerDID: signerDID, Signer: signerSecret,
	})

	bundles := federation.NewLedger()
	replicator := federation.NewReplicator(transport, federation.FactorPolicy{N: cfg.Federation.BlobReplicationFactor})
	_ = replicator // handed to the API server below; no handler or blob write calls it

	apiSrv := api.New(api.Config{
		Node: n, Bundles: bundles, Replicator: replicator, Log: log,
		RateLimitPerSec: cfg.API.RateLimitPerSec, RateLimitBurst: cfg.API.RateLimitBurst,
	})
	httpSrv := &http.Server{Addr: cfg.API.ListenAddr, Handler: apiSrv.Handler()}

	metricsSrv := metrics.StartServer(cfg.Observability.MetricsListenAddr, log)

	go func() {
		log.WithField("addr", cfg.API.ListenAddr).Info("api server listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("api server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("api server shutdown error")
	}
	if err := observability.Shutdown(shutdownCtx, metricsSrv); err != nil {
		log.WithError(err).Warn("metrics server shutdown error")
	}
	return nil
}
