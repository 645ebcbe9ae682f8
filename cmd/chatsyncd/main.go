package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/netzeal/chatsync/internal/daemon"
	"github.com/netzeal/chatsync/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	debug := flag.Bool("debug", false, "enable debug logging")
	noConnect := flag.Bool("no-connect", false, "stay offline until a connect command")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			ProfileName:   name,
			Debug:         *debug,
			NoAutoConnect: *noConnect,
		}),
	)

	app.Run()
}
