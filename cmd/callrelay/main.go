package main

import (
	"fmt"
	"os"

	"github.com/tillberg/autorestart"

	"github.com/soyeahso/callrelay/internal/cli"
)

func main() {
	// Restart on binary change is opt-in; live calls would drop otherwise.
	if os.Getenv("CALLRELAY_AUTORESTART") != "" {
		go autorestart.RestartOnChange()
	}

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "callrelay:", err)
		os.Exit(1)
	}
}
