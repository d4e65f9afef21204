package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/offload/cli"
	oerrors "github.com/twitter/offload/common/errors"
)

// Command-line client to the offload job database.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cl := cli.NewClient(cli.WithContext(ctx))
	err := cl.Exec()
	stop()
	if err != nil {
		log.Errorf("offloadcl: %v", err)
		os.Exit(int(oerrors.ExitCodeFor(err)))
	}
}
