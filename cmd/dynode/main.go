// Command dynode runs one fabric node: a client-facing text-protocol
// listener, a peer listener, and a Gin control-plane admin server, all fed
// into the single dispatcher loop engine.Dispatcher owns.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"dynofabric/internal/api"
	"dynofabric/internal/config"
	"dynofabric/internal/engine"
	"dynofabric/internal/peerframe"
	"dynofabric/internal/router"
	"dynofabric/internal/stats"
	"dynofabric/internal/storage"
	"dynofabric/internal/store"
)

func main() {
	var (
		topoPath   = flag.String("config", "topology.yaml", "path to the topology YAML file")
		id         = flag.String("id", "", "this node's id (must match a peer id in the topology file); empty generates a UUID")
		clientAddr = flag.String("client-addr", ":4200", "address the client text protocol listens on")
		peerAddr   = flag.String("peer-addr", ":4201", "address peer connections are accepted on")
		adminAddr  = flag.String("admin-addr", ":4202", "address the HTTP control plane listens on")
		dataDir    = flag.String("data-dir", "./data", "directory for the WAL and snapshots")
		dc         = flag.String("dc", "", "this node's datacenter name")
		rack       = flag.String("rack", "", "this node's rack name")
		adminMode  = flag.Bool("admin-mode", false, "apply deletes to this node only: answer OK locally when this node owns the key, else delete from local storage without replica fan-out")
	)
	flag.Parse()

	cfg, err := config.Load(*topoPath, *id, *clientAddr, *peerAddr, *adminAddr, *dataDir, *dc, *rack, *adminMode)
	if err != nil {
		log.Fatalf("dynode: %v", err)
	}

	pool, err := cfg.BuildPool()
	if err != nil {
		log.Fatalf("dynode: %v", err)
	}

	st, err := store.New(cfg.DataDir, cfg.NodeID)
	if err != nil {
		log.Fatalf("dynode: open store: %v", err)
	}
	backend := storage.New(st)

	counters := &stats.Counters{}
	histogram := stats.NewHistogram()
	rt := router.New(pool, nil, counters)
	d := engine.New(rt, backend, counters)
	rt.Resolver = d

	var peerKey []byte
	if cfg.Passphrase != "" {
		peerKey = peerframe.DeriveKey(cfg.Passphrase, []byte(cfg.File.Cluster))
	}

	node := newNode(cfg, pool, rt, d, counters, histogram, peerKey)

	peerLn, err := net.Listen("tcp", cfg.PeerAddr)
	if err != nil {
		log.Fatalf("dynode: listen peer-addr %s: %v", cfg.PeerAddr, err)
	}
	clientLn, err := net.Listen("tcp", cfg.ClientAddr)
	if err != nil {
		log.Fatalf("dynode: listen client-addr %s: %v", cfg.ClientAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go node.run(ctx, peerLn, clientLn)
	node.dialConfigured()

	gin.SetMode(gin.ReleaseMode)
	ginRouter := gin.New()
	ginRouter.Use(api.Logger(), api.Recovery())
	handler := api.NewHandler(rt, d, pool, counters, histogram, node, cfg.NodeID)
	handler.Register(ginRouter)

	adminSrv := &http.Server{Addr: cfg.AdminAddr, Handler: ginRouter}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("dynode: admin server: %v", err)
		}
	}()

	log.Printf("dynode: node %s up — client=%s peer=%s admin=%s dc=%s rack=%s",
		cfg.NodeID, cfg.ClientAddr, cfg.PeerAddr, cfg.AdminAddr, cfg.LocalDC, cfg.LocalRack)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("dynode: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = adminSrv.Shutdown(shutdownCtx)

	cancel()
	_ = peerLn.Close()
	_ = clientLn.Close()

	if err := backend.Close(); err != nil {
		log.Printf("dynode: final snapshot error: %v", err)
	} else {
		log.Printf("dynode: final snapshot saved")
	}
}
