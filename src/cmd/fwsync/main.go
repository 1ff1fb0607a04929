package main

import (
	"context"
	"os"

	"github.com/maksimkurb/fwsync/src/internal/commands"
	"github.com/maksimkurb/fwsync/src/internal/log"
)

var (
	version = "dev"
	commit  = "n/a"
	date    = "n/a"
)

func main() {
	app := &commands.AppContext{}
	root := commands.NewRootCmd(app, version+" (commit "+commit+", built "+date+")")

	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Errorf("%v", err)
		log.Sync()
		os.Exit(1)
	}
}
