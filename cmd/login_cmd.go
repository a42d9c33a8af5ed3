package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nostrlink/internal/keys"
	"github.com/nextlevelbuilder/nostrlink/internal/login"
	"github.com/nextlevelbuilder/nostrlink/internal/signer"
)

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with an extension signer, a key or a bunker",
		Long: `Log in and store the credential for later runs.

Without a subcommand you are asked which method to use. To pair with a
remote signer through a QR code, use "nostrlink connect".`,
		Run: func(cmd *cobra.Command, args []string) {
			method, err := promptSelect("How do you want to log in?", []SelectOption[login.Method]{
				{Label: "Extension signer (OS keychain)", Value: login.MethodExtension},
				{Label: "Private key (nsec)", Value: login.MethodSecretKey},
				{Label: "Remote signer (bunker:// URI)", Value: login.MethodBunker},
			}, 0)
			if err != nil {
				fmt.Println("Cancelled.")
				return
			}
			cred, err := promptCredential(method)
			if err != nil {
				fmt.Println("Cancelled.")
				return
			}
			runLogin(cmd.Context(), cred)
		},
	}
	cmd.AddCommand(loginExtensionCmd())
	cmd.AddCommand(loginKeyCmd())
	cmd.AddCommand(loginBunkerCmd())
	return cmd
}

func loginExtensionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extension",
		Short: "Use the signer key held in the OS keychain",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			runLogin(cmd.Context(), login.Extension{})
		},
	}
}

func loginKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "key [nsec]",
		Short: "Log in with a private key (prompted when omitted)",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var cred login.Credential
			if len(args) == 1 {
				cred = login.SecretKey{Key: args[0]}
			} else {
				var err error
				if cred, err = promptCredential(login.MethodSecretKey); err != nil {
					fmt.Println("Cancelled.")
					return
				}
			}
			runLogin(cmd.Context(), cred)
		},
	}
}

func loginBunkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bunker <bunker://...>",
		Short: "Connect to a remote signer by its bunker URI",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cred, err := login.BunkerFromURI(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			runLogin(cmd.Context(), cred)
		},
	}
}

func promptCredential(method login.Method) (login.Credential, error) {
	switch method {
	case login.MethodExtension:
		return login.Extension{}, nil
	case login.MethodSecretKey:
		key, err := promptSecretKey("nsec1... or 64 hex characters. Stored locally until logout.")
		if err != nil {
			return nil, err
		}
		return login.SecretKey{Key: key}, nil
	case login.MethodBunker:
		return promptBunkerURI()
	default:
		return nil, fmt.Errorf("unsupported login method %q", method)
	}
}

func runLogin(ctx context.Context, cred login.Credential) {
	cfg := loadConfig()
	a := mustApp(ctx, cfg)
	defer a.Close()

	sig, err := a.supervisor.Login(ctx, cred)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Login failed: %s\n", loginHint(err))
		a.exit(1)
	}
	pub, err := sig.PublicKey(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logged in, but the signer did not return a public key: %s\n", err)
		a.exit(1)
	}
	npub, _ := keys.EncodeNpub(pub)
	fmt.Printf("Logged in with %s as %s\n", cred.Method(), npub)
}

// loginHint turns resolver errors into a line the user can act on.
func loginHint(err error) string {
	switch {
	case errors.Is(err, login.ErrSignerUnavailable), errors.Is(err, signer.ErrUnavailable):
		return fmt.Sprintf("%s (store a key with \"nostrlink keychain set\")", err)
	case errors.Is(err, login.ErrInvalidKeyFormat):
		return fmt.Sprintf("%s (expected nsec1... or 64 hex characters)", err)
	case errors.Is(err, login.ErrRemoteUnreachable):
		return fmt.Sprintf("%s (check the relays in the URI or try again)", err)
	case errors.Is(err, login.ErrRemoteRejected):
		return fmt.Sprintf("%s (approve the request in your signer app)", err)
	default:
		return err.Error()
	}
}
