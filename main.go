package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/chimera-systems/chimerad/db"
	"github.com/chimera-systems/chimerad/ingest"
	"github.com/chimera-systems/chimerad/listener"
	"github.com/chimera-systems/chimerad/server"
	"github.com/chimera-systems/chimerad/utils"
)

func main() {
	logger := utils.NewLogger()

	store, err := db.Open(utils.DBPath, logger)
	if err != nil {
		logger.Error("cannot open store", "path", utils.DBPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ingestor := ingest.New(store, logger)
	srv := server.New(store, ingestor, utils.Version, logger)

	uds := listener.NewUDSServer(utils.SocketPath, logger)
	srv.Routes(uds)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := uds.Serve(ctx); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
