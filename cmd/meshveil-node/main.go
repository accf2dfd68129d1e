package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/shurlinet/meshveil/internal/config"
	"github.com/shurlinet/meshveil/internal/node"
)

func main() {
	var (
		configPath string
		mdns       bool
		devLog     bool
	)
	flag.StringVar(&configPath, "config", "", "path to config file (default: ./meshveil.yaml, ~/.config/meshveil/config.yaml, /etc/meshveil/config.yaml)")
	flag.BoolVar(&mdns, "mdns", true, "enable LAN peer discovery via mDNS")
	flag.BoolVar(&devLog, "dev-log", false, "use human-readable development logging instead of JSON")
	flag.Parse()

	log, err := newLogger(devLog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshveil-node: logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	path, err := config.FindConfigFile(configPath)
	if err != nil {
		log.Fatal("config file not found", zap.Error(err))
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}
	config.ResolveConfigPaths(&cfg, filepath.Dir(path))

	n, err := node.New(cfg, log)
	if err != nil {
		log.Fatal("failed to construct node", zap.Error(err))
	}
	if mdns {
		n.EnableDiscovery()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		log.Fatal("failed to start node", zap.Error(err))
	}
	log.Info("meshveil node running", zap.String("node_id", string(n.ID())), zap.String("address", n.Address()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", zap.String("signal", sig.String()))

	if err := n.Stop(); err != nil {
		log.Error("errors during shutdown", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
