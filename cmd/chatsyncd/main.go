package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mvalerio/chatsync/internal/client"
	"github.com/mvalerio/chatsync/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides CHATSYNC_SESSION)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		client.Module(client.Params{SessionName: sessionName}),
	)

	app.Run()
}
