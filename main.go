package main

import (
	"log"
	"os"

	"concord/internal/ui"
)

func main() {
	// The search engine binding is installed by the embedding application;
	// the scheduler commands (archive, cleanup, queue) do not need one.
	// The logger is built per command from the loaded config's Env.
	app := ui.PrepareConsoleApp(nil)
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
