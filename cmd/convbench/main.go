package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tebeka/atexit"

	"github.com/example/convbench/internal/onnx"
)

func main() {
	atexit.Register(func() {
		if err := onnx.Shutdown(); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCmd().ExecuteContext(ctx)

	stop()

	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)

		atexit.Exit(1)
	}

	atexit.Exit(0)
}
