package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nostrlink/internal/keys"
	"github.com/nextlevelbuilder/nostrlink/internal/pairing"
)

func connectCmd() *cobra.Command {
	var (
		relayURL    string
		noTUI       bool
		choosePerms bool
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Pair with a remote signer by scanning a nostrconnect QR code",
		Long: `Show a nostrconnect:// invitation and wait for a remote signer to accept it.

Scan the QR code with a signer app (or paste the URI into it). The first
signer that answers with the invitation's secret becomes your login.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			if relayURL != "" {
				cfg.Pairing.Relay = relayURL
			}
			perms := cfg.Pairing.Perms
			if choosePerms {
				chosen, err := promptMultiSelect("Permissions to request", "The signer app shows these before you approve.",
					permOptions(perms), perms)
				if err != nil {
					fmt.Println("Cancelled.")
					return
				}
				perms = chosen
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a := mustApp(ctx, cfg)
			defer a.Close()

			attempt, err := a.supervisor.StartPairing(ctx, cfg.Pairing.Relay, perms)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				a.exit(1)
			}

			if noTUI {
				fmt.Println(renderInvitation(attempt.URI()))
				fmt.Printf("Waiting on %s until %s (Ctrl-C to cancel)\n", attempt.Relay(), attempt.Deadline().Format(time.Kitchen))
			} else {
				m := newPairModel(attempt.URI(), attempt.Relay(), attempt.Deadline(), attempt.Done(), attempt.Cancel)
				if _, err := tea.NewProgram(m).Run(); err != nil {
					attempt.Cancel()
					fmt.Fprintf(os.Stderr, "Error: %s\n", err)
					a.exit(1)
				}
			}

			sig, err := a.supervisor.FinishPairing(ctx)
			switch {
			case errors.Is(err, pairing.ErrCancelled):
				fmt.Println("Pairing cancelled.")
				return
			case errors.Is(err, pairing.ErrTimeout):
				fmt.Fprintln(os.Stderr, "No signer answered before the invitation expired. Run connect again for a new code.")
				a.exit(1)
			case err != nil:
				fmt.Fprintf(os.Stderr, "Pairing failed: %s\n", loginHint(err))
				a.exit(1)
			}

			pub, err := sig.PublicKey(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Paired, but the signer did not return a public key: %s\n", err)
				a.exit(1)
			}
			npub, _ := keys.EncodeNpub(pub)
			fmt.Printf("Paired with remote signer as %s\n", npub)
		},
	}
	cmd.Flags().StringVar(&relayURL, "relay", "", "relay to listen on (default pairing.relay from config)")
	cmd.Flags().BoolVar(&noTUI, "no-tui", false, "print the invitation and wait without the interactive view")
	cmd.Flags().BoolVar(&choosePerms, "choose-perms", false, "pick the permissions to request before pairing")
	return cmd
}

// permOptions lists the usual remote signer permissions plus any extra
// ones from config.
func permOptions(configured []string) []SelectOption[string] {
	known := []string{"get_public_key", "sign_event:0", "sign_event:1", "sign_event:3", "sign_event:7", "nip44_encrypt", "nip44_decrypt"}
	seen := make(map[string]bool, len(known))
	var opts []SelectOption[string]
	for _, p := range append(known, configured...) {
		if seen[p] {
			continue
		}
		seen[p] = true
		opts = append(opts, SelectOption[string]{Label: p, Value: p})
	}
	return opts
}

// renderInvitation returns the invitation as a terminal QR code followed by
// the raw URI. If the URI does not fit in a QR code only the URI is shown.
func renderInvitation(uri string) string {
	qr, err := qrcode.New(uri, qrcode.Medium)
	if err != nil {
		return uri
	}
	return qr.ToSmallString(false) + "\n" + uri
}

var (
	pairTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	pairURIStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	pairHelpStyle  = lipgloss.NewStyle().Faint(true)
	pairWarnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

type (
	tickMsg time.Time
	doneMsg struct{}
)

// pairModel shows the invitation with a countdown until the attempt ends
// or the user cancels it.
type pairModel struct {
	qr        string
	uri       string
	relay     string
	deadline  time.Time
	remaining time.Duration
	done      <-chan struct{}
	cancel    func()

	finished  bool
	cancelled bool
}

func newPairModel(uri, relay string, deadline time.Time, done <-chan struct{}, cancel func()) pairModel {
	m := pairModel{
		uri:       uri,
		relay:     relay,
		deadline:  deadline,
		remaining: time.Until(deadline),
		done:      done,
		cancel:    cancel,
	}
	if qr, err := qrcode.New(uri, qrcode.Medium); err == nil {
		m.qr = qr.ToSmallString(false)
	}
	return m
}

func (m pairModel) Init() tea.Cmd {
	return tea.Batch(tick(), waitDone(m.done))
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitDone(done <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-done
		return doneMsg{}
	}
}

func (m pairModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "esc", "ctrl+c", "q":
			m.cancel()
			m.cancelled = true
			return m, tea.Quit
		}
	case tickMsg:
		m.remaining = m.deadline.Sub(time.Time(msg))
		if m.remaining < 0 {
			m.remaining = 0
		}
		return m, tick()
	case doneMsg:
		m.finished = true
		return m, tea.Quit
	}
	return m, nil
}

func (m pairModel) View() string {
	if m.finished || m.cancelled {
		return ""
	}
	var b strings.Builder
	b.WriteString(pairTitleStyle.Render("Scan with your signer app") + "\n\n")
	if m.qr != "" {
		b.WriteString(m.qr + "\n")
	}
	b.WriteString(pairURIStyle.Render(m.uri) + "\n\n")

	left := m.remaining.Round(time.Second)
	status := fmt.Sprintf("Waiting on %s, %s left", m.relay, left)
	if left <= 10*time.Second {
		status = pairWarnStyle.Render(status)
	}
	b.WriteString(status + "\n")
	b.WriteString(pairHelpStyle.Render("esc to cancel") + "\n")
	return b.String()
}
