// texlink - live texture link between an authoring tool and a game engine
//
// Runs a websocket endpoint for one engine peer. The peer asks texlink to
// create or open a project; texlink exports texture maps and tells the peer
// which material properties to point at them.
package main

import (
	"fmt"
	"os"

	"github.com/texlink/texlink/internal/commands"
)

// Version information (set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)

	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
