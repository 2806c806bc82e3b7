package sessions

import (
	"github.com/spf13/cobra"
)

func NewSessionsCommand() *cobra.Command {
	var (
		userID string
		token  string
		peer   string
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List chat sessions over HTTP",
		Args:  cobra.NoArgs,
		Example: `  teamchat sessions
  teamchat sessions --messages team_1`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return sessionsCmd(cmd.OutOrStdout(), userID, token, peer)
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "Identity to log in as (default: token subject)")
	cmd.Flags().StringVar(&token, "token", "", "Bearer credential (default: $TEAMCHAT_TOKEN or prompt)")
	cmd.Flags().StringVar(&peer, "messages", "", "Print the history of one session instead")

	return cmd
}
