package main

import (
	"github.com/alecthomas/kong"
)

// version is set by ldflags during build
var version = "dev"

type CLI struct {
	Version  kong.VersionFlag `short:"v" help:"Show version"`
	Server   ServerCmd        `cmd:"" help:"Run an experiment session server"`
	Client   ClientCmd        `cmd:"" help:"Join a session as a human participant"`
	Bot      BotCmd           `cmd:"" help:"Join a session with an automated strategy"`
	Simulate SimulateCmd      `cmd:"" help:"Run a whole session in-process with strategy bots"`
	History  HistoryCmd       `cmd:"" help:"Show a recorded session"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("cprbarg"),
		kong.Description("Common-pool resource bargaining experiment"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version,
		},
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
