package serve

import (
	"github.com/spf13/cobra"
)

func NewServeCommand() *cobra.Command {
	var (
		userID string
		token  string
		addr   string
		debug  bool
	)

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s"},
		Short:   "Run the chat client headless with the web console",
		Args:    cobra.NoArgs,
		Example: `  teamchat serve
  teamchat serve --addr 127.0.0.1:18790 --user e001`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return serveCmd(userID, token, addr, debug)
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "Identity to log in as (default: token subject)")
	cmd.Flags().StringVar(&token, "token", "", "Bearer credential (default: $TEAMCHAT_TOKEN or prompt)")
	cmd.Flags().StringVar(&addr, "addr", "", "Console listen address (default: console.host:console.port)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}
