package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"cachewise/internal/client"
	"cachewise/internal/config"
)

func (c *CLI) cacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the response cache",
	}

	cmd.AddCommand(c.cacheStatsCommand())
	cmd.AddCommand(c.cacheKeysCommand())
	cmd.AddCommand(c.cacheClearCommand())
	cmd.AddCommand(c.cachePathCommand())
	cmd.AddCommand(c.cacheWarmCommand())

	return cmd
}

func (c *CLI) cacheStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print cache size and entry counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withClient(func(cl *client.Client) error {
				_, err := fmt.Fprintln(c.out, cl.Store().Stats())
				return err
			})
		},
	}
}

func (c *CLI) cacheKeysCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List cached URLs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withClient(func(cl *client.Client) error {
				for _, k := range cl.Store().Keys() {
					if _, err := fmt.Fprintln(c.out, k); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func (c *CLI) cacheClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached response",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withClient(func(cl *client.Client) error {
				n := len(cl.Store().Keys())
				if err := cl.Store().Clear(); err != nil {
					return fmt.Errorf("clear cache: %w", err)
				}
				c.Logger.Info().Int("entries", n).Str("dir", cl.Config().CacheDir).Msg("cache cleared")
				return nil
			})
		},
	}
}

func (c *CLI) cachePathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the cache directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := c.options()
			if err != nil {
				return err
			}
			cfg, err := config.Resolve(opts...)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.out, cfg.CacheDir)
			return err
		},
	}
}

func (c *CLI) cacheWarmCommand() *cobra.Command {
	var opts client.PrefetchOptions
	cmd := &cobra.Command{
		Use:   "warm SITEMAP...",
		Short: "Fetch every page listed in sitemaps so it is available offline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Sitemaps = args
			return c.withClient(func(cl *client.Client) error {
				st, err := cl.Prefetch(contextOf(cmd), opts)
				if err != nil {
					return fmt.Errorf("warm cache: %w", err)
				}
				_, err = fmt.Fprintf(c.out, "sitemaps=%d pages=%d stored=%d skipped=%d failed=%d\n",
					st.Sitemaps, st.Pages, st.Stored, st.Skipped, st.Failed)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&opts.Workers, "workers", 4, "concurrent page fetches")
	cmd.Flags().Float64Var(&opts.PerSecond, "rate", 0, "page fetches per second, 0 for unlimited")
	cmd.Flags().BoolVar(&opts.Refresh, "refresh", false, "refetch pages that are already cached")
	return cmd
}
