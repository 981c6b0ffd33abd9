// Package cli implements the cachewise command line tool.
package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"cachewise/internal/client"
	"cachewise/internal/config"
	"cachewise/internal/netstate"
	"cachewise/internal/policy"
)

const appName = "cachewise"

// CLI holds state shared by all commands.
type CLI struct {
	Logger zerolog.Logger

	out    io.Writer
	errOut io.Writer

	verbose    bool
	configPath string
	flags      clientFlags
}

type clientFlags struct {
	cacheDir  string
	backend   string
	cacheType string
	level     string
	survival  time.Duration
	offline   bool
	headers   []string
}

func New(out, errOut io.Writer) *CLI {
	return &CLI{
		Logger: zerolog.New(zerolog.ConsoleWriter{Out: errOut, TimeFormat: "15:04:05.00"}).
			Level(zerolog.InfoLevel).With().Timestamp().Logger(),
		out:    out,
		errOut: errOut,
	}
}

// RootCommand creates the root command with every subcommand registered.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:               appName,
		Short:             "cachewise fetches URLs through an offline-capable HTTP cache",
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}
	root.SetOut(c.out)
	root.SetErr(c.errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", getenvDefault("CACHEWISE_CONFIG", ""), "path to cachewise.yaml")
	pf.BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	pf.StringVar(&c.flags.cacheDir, "cache-dir", "", "cache directory")
	pf.StringVar(&c.flags.backend, "backend", "", "cache backend: leveldb, sqlite or memory")
	pf.StringVar(&c.flags.cacheType, "type", "", "cache type: force_network, force_cache, network_then_cache or cache_then_network")
	pf.StringVar(&c.flags.level, "level", "", "cache level: first, second, third or fourth")
	pf.DurationVar(&c.flags.survival, "survival", 0, "serve cached responses younger than this without the network")
	pf.BoolVar(&c.flags.offline, "offline", false, "treat the network as unreachable")
	pf.StringArrayVarP(&c.flags.headers, "header", "H", nil, `extra request header, "Name: value"`)

	root.AddCommand(c.getCommand())
	root.AddCommand(c.postCommand())
	root.AddCommand(c.uploadCommand())
	root.AddCommand(c.downloadCommand())
	root.AddCommand(c.cacheCommand())
	return root
}

// setup applies --verbose and promotes the configuration file, if any, to
// the global defaults.
func (c *CLI) setup(cmd *cobra.Command, _ []string) error {
	level := zerolog.InfoLevel
	if c.verbose {
		level = zerolog.DebugLevel
	}
	c.Logger = c.Logger.Level(level)

	if c.configPath == "" {
		return nil
	}
	f, err := config.LoadFile(c.configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", c.configPath, err)
	}
	opts := append(f.Options(), config.WithLogger(c.Logger))
	if _, err := config.PromoteGlobal(opts...); err != nil {
		return fmt.Errorf("load config %s: %w", c.configPath, err)
	}
	c.Logger.Debug().Str("path", c.configPath).Msg("config loaded")
	return nil
}

// options turns the persistent flags into per-client options.
func (c *CLI) options() ([]config.Option, error) {
	opts := []config.Option{config.WithLogger(c.Logger)}
	f := c.flags
	if f.cacheDir != "" {
		opts = append(opts, config.WithCacheDir(f.cacheDir))
	}
	if f.backend != "" {
		opts = append(opts, config.WithCacheBackend(f.backend))
	}
	if f.cacheType != "" {
		t, err := policy.ParseType(f.cacheType)
		if err != nil {
			return nil, err
		}
		opts = append(opts, config.WithCacheType(t))
	}
	if f.level != "" {
		l, err := policy.ParseLevel(f.level)
		if err != nil {
			return nil, err
		}
		opts = append(opts, config.WithCacheLevel(l))
	}
	if f.survival != 0 {
		opts = append(opts, config.WithCacheSurvival(f.survival))
	}
	if f.offline {
		opts = append(opts, config.WithReachability(netstate.Func(func() bool { return false })))
	}
	return opts, nil
}

func (c *CLI) newClient() (*client.Client, error) {
	opts, err := c.options()
	if err != nil {
		return nil, err
	}
	return client.New(opts...)
}

// withClient runs fn with a fresh client and closes it afterwards.
func (c *CLI) withClient(fn func(*client.Client) error) (err error) {
	cl, err := c.newClient()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := cl.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(cl)
}

func (c *CLI) header() (http.Header, error) {
	if len(c.flags.headers) == 0 {
		return nil, nil
	}
	h := http.Header{}
	for _, raw := range c.flags.headers {
		name, value, ok := strings.Cut(raw, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, want \"Name: value\"", raw)
		}
		h.Add(name, strings.TrimSpace(value))
	}
	return h, nil
}

// parseParams reads name=value arguments in order.
func parseParams(args []string) (client.Params, error) {
	var p client.Params
	for _, a := range args {
		name, value, ok := strings.Cut(a, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q, want name=value", a)
		}
		p = p.Add(name, value)
	}
	return p, nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
