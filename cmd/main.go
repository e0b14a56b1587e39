package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	cfgPkg "github.com/xhad/embedfill/pkg/config"
)

const configKey = "config"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "embedfill",
		Usage: "Backfill vector embeddings for documents that do not have one yet",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file (defaults to embedfill.yaml, ~/.config/embedfill/config.yaml)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Store backend (mongodb, postgres, sqlite, memory)",
			},
			&cli.StringFlag{
				Name:  "uri",
				Usage: "Store connection string or SQLite path",
			},
		},
		Metadata: map[string]interface{}{},
		Before:   before,
		Commands: []*cli.Command{
			{
				Name:   "backfill",
				Usage:  "Generate and store embeddings for every pending document",
				Action: backfillCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "batch-size",
						Aliases: []string{"b"},
						Usage:   "Documents per batch, also the number of concurrent embedding calls",
					},
					&cli.DurationFlag{
						Name:  "delay",
						Usage: "Pause between batches",
					},
					&cli.Float64Flag{
						Name:  "requests-per-second",
						Usage: "Cap on embedding calls per second (0 disables the cap)",
					},
					&cli.BoolFlag{
						Name:  "no-progress",
						Usage: "Disable the progress bar",
					},
				},
			},
			{
				Name:      "search",
				Usage:     "Run a semantic search against the vector index",
				ArgsUsage: "<query>",
				Action:    searchCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"n"},
						Usage:   "Number of results",
					},
					&cli.IntFlag{
						Name:  "num-candidates",
						Usage: "Candidates considered by the approximate search",
					},
					&cli.IntFlag{
						Name:  "after-year",
						Usage: "Only return documents whose year is greater than this",
					},
					&cli.IntFlag{
						Name:  "before-year",
						Usage: "Only return documents whose year is less than this",
					},
				},
			},
			{
				Name:   "create-index",
				Usage:  "Create the vector search index",
				Action: createIndexCommand,
			},
			{
				Name:   "delete",
				Usage:  "Delete the first documents of the collection in batches",
				Action: deleteCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Number of documents to delete",
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Documents per delete request",
					},
					&cli.BoolFlag{
						Name:    "yes",
						Aliases: []string{"y"},
						Usage:   "Do not ask for confirmation",
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show how many documents are embedded and pending",
				Action: statusCommand,
			},
			{
				Name:      "import",
				Usage:     "Load JSON lines documents into the store",
				ArgsUsage: "<file.jsonl>",
				Action:    importCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Documents per upsert",
						Value: 500,
					},
				},
			},
		},
	}
}

// before loads the configuration once for every command and installs the
// default logger.
func before(c *cli.Context) error {
	config, err := cfgPkg.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("log-level") {
		config.Log.Level = c.String("log-level")
	}
	if c.IsSet("backend") {
		config.Store.Backend = c.String("backend")
	}
	if c.IsSet("uri") {
		config.Store.URI = c.String("uri")
	}
	if err := setupLogger(config.Log.Level); err != nil {
		return err
	}
	c.App.Metadata[configKey] = config
	return nil
}

func setupLogger(levelStr string) error {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}

func getProgressBar(total int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("docs"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}
