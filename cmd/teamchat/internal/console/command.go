package console

import (
	"github.com/spf13/cobra"
)

func NewConsoleCommand() *cobra.Command {
	var (
		userID  string
		token   string
		session string
		debug   bool
	)

	cmd := &cobra.Command{
		Use:     "console",
		Aliases: []string{"c"},
		Short:   "Interactive chat console",
		Args:    cobra.NoArgs,
		Example: `  teamchat console
  teamchat console --user e001 --session team_1
  TEAMCHAT_TOKEN=... teamchat console`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return consoleCmd(userID, token, session, debug)
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "Identity to log in as (default: token subject)")
	cmd.Flags().StringVar(&token, "token", "", "Bearer credential (default: $TEAMCHAT_TOKEN or prompt)")
	cmd.Flags().StringVarP(&session, "session", "s", "", "Session to open on start")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}
