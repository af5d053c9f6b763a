package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	logpkg "github.com/hanpama/gqlstream/internal/log"
)

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
	url        string
	dialect    string
	headers    []string

	cfg    *Config
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "gqlstream",
		Short: "Incremental GraphQL delivery with server render hand-off",
		Long: `gqlstream fetches @defer/@stream GraphQL responses, renders pages of
preloaded queries on the server, and replays them on the client without
refetching.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.resolve(cmd)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	pf.StringVar(&opts.url, "url", "", "upstream GraphQL endpoint")
	pf.StringVar(&opts.dialect, "dialect", "", "upstream incremental dialect (passthrough|pending|is_final)")
	pf.StringArrayVar(&opts.headers, "header", nil, `upstream request header "Name: value". Repeatable`)

	cmd.AddCommand(newFetchCommand(opts))
	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newHydrateCommand(opts))
	return cmd
}

// resolve loads the config file and applies the flags set on cmd.
func (o *rootOptions) resolve(cmd *cobra.Command) error {
	cfg := DefaultConfig()
	if o.configPath != "" {
		loaded, err := LoadConfig(o.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("url") {
		cfg.Upstream.URL = o.url
	}
	if flags.Changed("dialect") {
		cfg.Upstream.Dialect = o.dialect
	}
	for _, h := range o.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return fmt.Errorf("invalid header %q", h)
		}
		if cfg.Upstream.Headers == nil {
			cfg.Upstream.Headers = map[string]string{}
		}
		cfg.Upstream.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}

	level, err := logpkg.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.logger = logpkg.New(cmd.ErrOrStderr(), level)
	return nil
}
