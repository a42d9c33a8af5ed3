package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nostrlink/internal/keys"
	"github.com/nextlevelbuilder/nostrlink/internal/signer"
)

func keychainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keychain",
		Short: "Manage the key used by \"login extension\"",
	}
	cmd.AddCommand(keychainSetCmd())
	cmd.AddCommand(keychainDeleteCmd())
	return cmd
}

func keychainSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set [nsec]",
		Short: "Store a private key in the OS keychain",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			secret := ""
			if len(args) == 1 {
				secret = args[0]
			} else {
				var err error
				if secret, err = promptSecretKey("nsec1... or 64 hex characters."); err != nil {
					fmt.Println("Cancelled.")
					return
				}
			}
			secret = strings.TrimSpace(secret)
			kp, err := keys.ParseSecret(secret)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}

			kc := signer.Keychain{Service: cfg.Keychain.Service, User: cfg.Keychain.User}
			if err := kc.Set(kp.SecretHex()); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Stored key for %s in %s/%s.\n", kp.Npub(), cfg.Keychain.Service, cfg.Keychain.User)
		},
	}
}

func keychainDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Remove the private key from the OS keychain",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			ok, err := promptConfirm("Delete the keychain entry? Extension logins will stop working.", false)
			if err != nil || !ok {
				fmt.Println("Cancelled.")
				return
			}
			kc := signer.Keychain{Service: cfg.Keychain.Service, User: cfg.Keychain.User}
			if err := kc.Delete(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			fmt.Println("Keychain entry deleted.")
		},
	}
}
