package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func logoutCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored login and everything cached for it",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if !yes {
				ok, err := promptConfirm("Log out and delete the stored credential?", false)
				if err != nil || !ok {
					fmt.Println("Cancelled.")
					return
				}
			}

			ctx := context.Background()
			cfg := loadConfig()
			a := mustApp(ctx, cfg)
			defer a.Close()

			a.supervisor.Logout(ctx)
			fmt.Println("Logged out.")
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}
