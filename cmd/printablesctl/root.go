package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/briangreenhill/printables/internal/client"
)

type globalOptions struct {
	server  string
	secret  string
	timeout time.Duration
	verbose bool
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:   "printablesctl",
		Short: "Query the printables catalog and manage its cache",
		Long: "printablesctl talks to a printables API server.\n\n" +
			"It lists gallery pages, downloads their images with retries, and\n" +
			"invalidates cached pages after the catalog changes.",
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.server, "server", envOr("PRINTABLES_URL", client.DefaultBaseURL), "API base URL (env PRINTABLES_URL)")
	pf.StringVar(&g.secret, "secret", os.Getenv("REVALIDATE_SECRET"), "shared secret for operator endpoints (env REVALIDATE_SECRET)")
	pf.DurationVar(&g.timeout, "timeout", 30*time.Second, "per-command timeout")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "log retries and requests")

	root.AddCommand(newGalleryCmd(g))
	root.AddCommand(newRevalidateCmd(g))
	root.AddCommand(newSeedCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func (g *globalOptions) client(opts ...client.Option) (*client.Client, error) {
	return client.New(g.server, append([]client.Option{client.WithSecret(g.secret)}, opts...)...)
}

func (g *globalOptions) logger(cmd *cobra.Command) zerolog.Logger {
	lvl := zerolog.WarnLevel
	if g.verbose {
		lvl = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.Kitchen}).
		Level(lvl).With().Timestamp().Logger()
}
