package ui

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"concord/internal"
	"concord/internal/archive"
	"concord/internal/engine"
)

func overrideConfig(cfg Config, ctx *cli.Context) Config {
	if ctx.String("CacheRoot") != "" {
		cfg.CacheRoot = ctx.String("CacheRoot")
	}
	if ctx.String("RegistryRoot") != "" {
		cfg.RegistryRoot = ctx.String("RegistryRoot")
	}
	if ctx.String("ArchiveDir") != "" {
		cfg.ArchiveDir = ctx.String("ArchiveDir")
	}
	if ctx.String("RedisAddr") != "" {
		cfg.RedisAddr = ctx.String("RedisAddr")
	}
	if ctx.IsSet("RedisDB") {
		cfg.RedisDB = ctx.Int("RedisDB")
	}
	if ctx.Int("BatchSize") != 0 {
		cfg.ArchiveBatchSize = ctx.Int("BatchSize")
	}
	return cfg
}

// PrepareConsoleApp wires the scheduler-facing commands: the archiver and
// the cleaner are library functions, the console is just their caller.
// The logger comes from the loaded config's Env.
func PrepareConsoleApp(eng engine.Engine) *cli.App {
	prepareCfg := func(ctx *cli.Context) (Config, error) {
		cfg, err := LoadConfig()
		if err != nil && err != errNoConfigFile {
			return cfg, err
		}
		cfg = overrideConfig(cfg, ctx)
		return cfg, cfg.Validate()
	}

	prepareServices := func(ctx *cli.Context) (*CoreServices, error) {
		cfg, err := prepareCfg(ctx)
		if err != nil {
			return nil, err
		}
		logger, err := internal.NewLogger(cfg.Env)
		if err != nil {
			return nil, err
		}
		return NewCoreServices(cfg, eng, logger)
	}

	prepareApp := func(ctx *cli.Context) (*Concord, func(), error) {
		cs, err := prepareServices(ctx)
		if err != nil {
			return nil, nil, err
		}
		done := func() {
			_ = cs.Close()
			_ = cs.Logger.Sync()
		}
		return NewConcord(cs), done, nil
	}

	printJSON := func(v any) error {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	}

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "CacheRoot",
			Aliases: []string{"cache"},
			Usage:   "where concordance cache files are stored",
		},
		&cli.StringFlag{
			Name:    "RegistryRoot",
			Aliases: []string{"registry"},
			Usage:   "corpus registry files (staleness checks)",
		},
		&cli.StringFlag{
			Name:    "ArchiveDir",
			Aliases: []string{"archive"},
			Usage:   "where the archive head database and replicas live",
		},
		&cli.StringFlag{
			Name:  "RedisAddr",
			Usage: "redis address, host:port",
		},
		&cli.IntFlag{
			Name:  "RedisDB",
			Usage: "redis database number",
		},
		&cli.IntFlag{
			Name:    "BatchSize",
			Aliases: []string{"n"},
			Usage:   "max queue items per archiver run",
		},
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "report what would happen without writing",
		},
	}

	return &cli.App{
		Name:  "concord",
		Usage: "concordance cache and query persistence core",
		Commands: []*cli.Command{
			{
				Name:        "gen",
				Flags:       flags,
				Description: "Generates config to stdOut.",
				Action: func(ctx *cli.Context) error {
					cfg := overrideConfig(DefaultCfg, ctx)
					yamlData, err := yaml.Marshal(&cfg)
					if err != nil {
						return err
					}
					fmt.Print(string(yamlData))
					return nil
				},
			},
			{
				Name:        "archive",
				Flags:       flags,
				Description: "Drains one batch of the archival queue into the archive database.",
				Action: func(ctx *cli.Context) error {
					app, done, err := prepareApp(ctx)
					if err != nil {
						return err
					}
					defer done()
					return printJSON(app.RunArchiver(ctx.Context, ctx.Bool("dry-run")))
				},
			},
			{
				Name:        "cleanup",
				Flags:       flags,
				Description: "Promotes user-owned archive rows to permanent and purges old anonymous ones.",
				Action: func(ctx *cli.Context) error {
					app, done, err := prepareApp(ctx)
					if err != nil {
						return err
					}
					defer done()
					report, err := app.RunCleaner(ctx.Context, ctx.Bool("dry-run"))
					if err != nil {
						return err
					}
					return printJSON(report)
				},
			},
			{
				Name:        "queue",
				Flags:       flags,
				Description: "Prints the archival queue length.",
				Action: func(ctx *cli.Context) error {
					cs, err := prepareServices(ctx)
					if err != nil {
						return err
					}
					defer cs.Close()
					n, err := cs.KV.LLen(archive.QueueKey)
					if err != nil {
						return err
					}
					fmt.Println(n)
					return nil
				},
			},
		},
	}
}
