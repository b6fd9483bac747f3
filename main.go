package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/anicoll/homedash/cmd"
)

func main() {
	app := &cli.App{
		Name:   "homedash",
		Usage:  "home assistant dashboard backend",
		Action: cmd.DashboardCommand,
		Flags:  serveFlags(),
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the dashboard API and realtime stream",
				Action: cmd.DashboardCommand,
				Flags:  serveFlags(),
			},
			{
				Name:   "watch",
				Usage:  "print live entity changes from a running dashboard",
				Action: cmd.WatchCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "url",
						EnvVars: []string{"HOMEDASH_URL"},
						Value:   "http://localhost:8000",
					},
					&cli.StringFlag{
						Name:    "token",
						EnvVars: []string{"HOMEDASH_TOKEN"},
					},
					logLevelFlag(),
				},
			},
			{
				Name:      "hash-password",
				Usage:     "print a bcrypt hash for AUTH_PASSWORD_HASH",
				ArgsUsage: "[password]",
				Action:    cmd.HashPasswordCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func logLevelFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "log-level",
		EnvVars: []string{"LOG_LEVEL"},
		Value:   "INFO",
	}
}

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "listen-addr",
			EnvVars: []string{"LISTEN_ADDR"},
			Value:   "0.0.0.0:8000",
		},
		logLevelFlag(),
	}
}
