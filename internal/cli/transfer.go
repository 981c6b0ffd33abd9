package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"cachewise/internal/client"
	"cachewise/internal/result"
)

func (c *CLI) uploadCommand() *cobra.Command {
	var param string
	var fields []string
	cmd := &cobra.Command{
		Use:   "upload URL FILE...",
		Short: "Upload files as multipart form parts",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(fields)
			if err != nil {
				return err
			}
			h, err := c.header()
			if err != nil {
				return err
			}
			r := client.Request{URL: args[0], Params: params, Header: h}
			for _, path := range args[1:] {
				r.Files = append(r.Files, client.UploadFile{
					Path:       path,
					Param:      param,
					OnProgress: c.logProgress,
				})
			}
			return c.withClient(func(cl *client.Client) error {
				return c.report(cl.DoUploadFileSync(contextOf(cmd), r), func(i int, env result.Envelope) string {
					return r.Files[i].Path
				})
			})
		},
	}
	cmd.Flags().StringVar(&param, "param", "file", "form field name of each file")
	cmd.Flags().StringArrayVarP(&fields, "field", "F", nil, "extra form field, name=value")
	return cmd
}

func (c *CLI) downloadCommand() *cobra.Command {
	var dir, name string
	cmd := &cobra.Command{
		Use:   "download URL...",
		Short: "Download files to a directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name != "" && len(args) > 1 {
				return fmt.Errorf("--name needs exactly one URL")
			}
			h, err := c.header()
			if err != nil {
				return err
			}
			r := client.Request{Header: h}
			for _, u := range args {
				r.Downloads = append(r.Downloads, client.DownloadFile{
					URL:        u,
					Dir:        dir,
					Name:       name,
					OnProgress: c.logProgress,
				})
			}
			return c.withClient(func(cl *client.Client) error {
				return c.report(cl.DoDownloadFileSync(contextOf(cmd), r), func(i int, env result.Envelope) string {
					if env.OK() {
						return env.Body
					}
					return r.Downloads[i].URL
				})
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "target directory")
	cmd.Flags().StringVar(&name, "name", "", "file name, defaults to the last URL path element")
	return cmd
}

// report prints one line per transfer and fails when any of them failed.
func (c *CLI) report(envs []result.Envelope, label func(int, result.Envelope) string) error {
	failed := 0
	for i, env := range envs {
		if env.OK() {
			fmt.Fprintf(c.out, "%s\t%s\n", env.Code, label(i, env))
			continue
		}
		failed++
		c.Logger.Error().Err(envelopeError(env)).Str("file", label(i, env)).Msg("transfer failed")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d transfers failed", failed, len(envs))
	}
	return nil
}

func (c *CLI) logProgress(path string, p client.Progress) {
	c.Logger.Debug().Str("file", path).Int("percent", p.Percent()).Bool("done", p.Done).Msg("progress")
}
