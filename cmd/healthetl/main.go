// Command healthetl converts an Apple Health export into a relational
// database, one table per record type.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	// register all storage backends with the factory; the config picks one.
	_ "healthetl/internal/storage/all"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}
