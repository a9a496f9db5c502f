package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/taskgrid/taskgrid-backend/internal/app"
	"github.com/taskgrid/taskgrid-backend/internal/platform/envutil"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("Failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Start()

	port := envutil.String("PORT", "8080")
	fmt.Printf("Scheduler listening on :%s\n", port)
	if err := a.Run(ctx, ":"+port); err != nil && !errors.Is(err, context.Canceled) {
		a.Log.Warn("Server failed", "error", err)
	}
}
