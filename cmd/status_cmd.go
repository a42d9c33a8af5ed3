package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nostrlink/internal/keys"
	"github.com/nextlevelbuilder/nostrlink/internal/login"
	"github.com/nextlevelbuilder/nostrlink/internal/profile"
)

var (
	statusLabelStyle = lipgloss.NewStyle().Bold(true).Width(10)
	statusOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	statusErrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusDimStyle   = lipgloss.NewStyle().Faint(true)
)

func statusCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Restore the stored login and show who you are signed in as",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
			defer cancel()

			cfg := loadConfig()
			a := mustApp(ctx, cfg)
			defer a.Close()

			cred, err := a.supervisor.Restore(ctx)
			v := statusView{Method: cred.Method(), State: a.supervisor.Resolver().State(), Err: err}
			if sig, _, ok := a.supervisor.Resolver().Active(); ok {
				if pub, err := sig.PublicKey(ctx); err == nil {
					v.Npub, _ = keys.EncodeNpub(pub)
					if !offline {
						v.Profile, _ = a.profiles.Get(ctx, pub)
					}
				}
			}
			fmt.Print(renderStatus(v))
			if err != nil {
				a.exit(1)
			}
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the profile lookup on relays")
	return cmd
}

// statusView is what status prints.
type statusView struct {
	Method  login.Method
	State   login.State
	Npub    string
	Profile profile.Profile
	Err     error
}

func renderStatus(v statusView) string {
	var b strings.Builder
	row := func(label, value string) {
		b.WriteString(statusLabelStyle.Render(label) + " " + value + "\n")
	}

	if v.Err != nil {
		row("Login", statusErrStyle.Render("failed"))
		row("Error", loginHint(v.Err))
		b.WriteString(statusDimStyle.Render("The stored credential was cleared. Log in again.") + "\n")
		return b.String()
	}
	if v.Method == login.MethodNone || v.Method == "" {
		row("Login", statusDimStyle.Render("not logged in"))
		return b.String()
	}

	row("Login", statusOKStyle.Render(v.State.String()))
	row("Method", string(v.Method))
	if v.Npub != "" {
		row("Key", v.Npub)
	}
	if name := v.Profile.Label(); name != "" {
		row("Name", name)
	}
	if v.Profile.NIP05 != "" {
		row("NIP-05", v.Profile.NIP05)
	}
	return b.String()
}
