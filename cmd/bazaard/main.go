package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/bazaar/internal/daemon"
	"github.com/matheus3301/bazaar/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	emulateFlag := flag.Bool("emulate", false, "serve an in-memory remote store on loopback instead of remote.base_url")
	debugFlag := flag.Bool("debug", false, "log debug entries, including poll failures")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			Emulate:     *emulateFlag,
			Debug:       *debugFlag,
		}),
	)

	app.Run()
}
