package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/liftlogapp/liftlog/internal/app/server"
)

func main() {
	log.SetPrefix("liftlog: ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		log.Fatalf("server: %v", err)
	}
}
