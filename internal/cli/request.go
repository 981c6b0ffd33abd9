package cli

import (
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"cachewise/internal/client"
	"cachewise/internal/result"
)

func (c *CLI) getCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get URL [name=value...]",
		Short: "Fetch a URL through the cache",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.send(cmd, http.MethodGet, args, nil, "")
		},
	}
}

func (c *CLI) postCommand() *cobra.Command {
	var data, contentType string
	cmd := &cobra.Command{
		Use:   "post URL [name=value...]",
		Short: "Send a form or raw body with POST",
		Long:  "Send name=value pairs as a form body. With --data the pairs go to the query string and the data is sent as the body.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			if data != "" {
				body = []byte(data)
			}
			return c.send(cmd, http.MethodPost, args, body, contentType)
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "raw request body")
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type of --data")
	return cmd
}

func (c *CLI) send(cmd *cobra.Command, method string, args []string, body []byte, contentType string) error {
	params, err := parseParams(args[1:])
	if err != nil {
		return err
	}
	h, err := c.header()
	if err != nil {
		return err
	}
	r := client.Request{
		URL:         args[0],
		Params:      params,
		Body:        body,
		ContentType: contentType,
		Header:      h,
	}
	return c.withClient(func(cl *client.Client) error {
		var env result.Envelope
		if method == http.MethodPost {
			env = cl.DoPostSync(contextOf(cmd), r)
		} else {
			env = cl.DoGetSync(contextOf(cmd), r)
		}
		c.Logger.Debug().
			Str("code", env.Code.String()).
			Int("status", env.Status).
			Bool("cache", env.FromCache).
			Msg("response")
		if !env.OK() {
			return envelopeError(env)
		}
		_, err := io.WriteString(c.out, env.Body)
		return err
	})
}

func envelopeError(env result.Envelope) error {
	if env.Err != nil {
		return fmt.Errorf("%s: %w", env.Code.Message(), env.Err)
	}
	if env.Status != 0 {
		return fmt.Errorf("%s (status %d)", env.Code.Message(), env.Status)
	}
	return fmt.Errorf("%s", env.Code.Message())
}
