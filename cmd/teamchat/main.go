// teamchat - team chat and presence client
// License: MIT
//
// Copyright (c) 2026 teamchat contributors

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/teamchat/cmd/teamchat/internal"
	"github.com/tinyland-inc/teamchat/cmd/teamchat/internal/console"
	"github.com/tinyland-inc/teamchat/cmd/teamchat/internal/serve"
	"github.com/tinyland-inc/teamchat/cmd/teamchat/internal/sessions"
	"github.com/tinyland-inc/teamchat/cmd/teamchat/internal/version"
)

func NewTeamchatCommand() *cobra.Command {
	short := fmt.Sprintf("%s teamchat - team chat and presence client v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:          "teamchat",
		Short:        short,
		Example:      "teamchat console",
		SilenceUsage: true,
	}

	cmd.AddCommand(
		console.NewConsoleCommand(),
		serve.NewServeCommand(),
		sessions.NewSessionsCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewTeamchatCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
