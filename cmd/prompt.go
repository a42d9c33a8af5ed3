package cmd

import (
	"os"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/nextlevelbuilder/nostrlink/internal/keys"
	"github.com/nextlevelbuilder/nostrlink/internal/login"
)

// envAccessible switches prompts to plain line-based input for screen readers.
const envAccessible = "NOSTRLINK_ACCESSIBLE"

// filterThreshold enables type-to-filter on lists longer than this.
const filterThreshold = 5

// SelectOption is one choice in a select prompt.
type SelectOption[T any] struct {
	Label string
	Value T
}

func runForm(fields ...huh.Field) error {
	return huh.NewForm(huh.NewGroup(fields...)).
		WithShowHelp(true).
		WithAccessible(os.Getenv(envAccessible) != "").
		Run()
}

// promptString asks for one line of text. An empty answer returns placeholder.
// validate may be nil.
func promptString(title, description, placeholder string, validate func(string) error) (string, error) {
	var value string
	inp := huh.NewInput().Title(title).Description(description).Placeholder(placeholder).Value(&value)
	if validate != nil {
		inp = inp.Validate(func(s string) error {
			if strings.TrimSpace(s) == "" && placeholder != "" {
				return nil
			}
			return validate(strings.TrimSpace(s))
		})
	}
	if err := runForm(inp); err != nil {
		return "", err
	}
	if value = strings.TrimSpace(value); value == "" {
		return placeholder, nil
	}
	return value, nil
}

// promptSecretKey asks for an nsec or hex key with hidden input and rejects
// anything that does not parse before the form closes.
func promptSecretKey(description string) (string, error) {
	var value string
	inp := huh.NewInput().
		Title("Private key").
		Description(description).
		EchoMode(huh.EchoModePassword).
		Validate(func(s string) error {
			_, err := keys.ParseSecret(s)
			return err
		}).
		Value(&value)
	if err := runForm(inp); err != nil {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

// promptBunkerURI asks for a bunker:// URI and validates it in place.
func promptBunkerURI() (login.BunkerAddress, error) {
	uri, err := promptString("Bunker URI", "bunker://<pubkey>?relay=wss://...&secret=...", "", func(s string) error {
		_, err := login.BunkerFromURI(s)
		return err
	})
	if err != nil {
		return login.BunkerAddress{}, err
	}
	return login.BunkerFromURI(uri)
}

func promptSelect[T comparable](title string, options []SelectOption[T], defaultIdx int) (T, error) {
	var value T
	opts := make([]huh.Option[T], len(options))
	for i, o := range options {
		opts[i] = huh.NewOption(o.Label, o.Value).Selected(i == defaultIdx)
	}
	sel := huh.NewSelect[T]().Title(title).Options(opts...).Value(&value).
		Filtering(len(options) > filterThreshold)
	if err := runForm(sel); err != nil {
		var zero T
		return zero, err
	}
	return value, nil
}

func promptMultiSelect[T comparable](title, description string, options []SelectOption[T], preselected []T) ([]T, error) {
	pre := make(map[T]bool, len(preselected))
	for _, v := range preselected {
		pre[v] = true
	}
	opts := make([]huh.Option[T], len(options))
	for i, o := range options {
		opts[i] = huh.NewOption(o.Label, o.Value).Selected(pre[o.Value])
	}

	var values []T
	ms := huh.NewMultiSelect[T]().Title(title).Description(description).Options(opts...).Value(&values).
		Filtering(len(options) > filterThreshold)
	if err := runForm(ms); err != nil {
		return nil, err
	}
	return values, nil
}

// promptConfirm asks a yes/no question.
func promptConfirm(title string, defaultYes bool) (bool, error) {
	value := defaultYes
	c := huh.NewConfirm().Title(title).Affirmative("Yes").Negative("No").Value(&value)
	if err := runForm(c); err != nil {
		return false, err
	}
	return value, nil
}
