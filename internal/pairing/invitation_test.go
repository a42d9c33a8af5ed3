package pairing

import (
	"errors"
	"strings"
	"testing"
)

const testPub = "7e7e9c42a91bfef19fa929e5fda1b72e0ebc1a4c1141673e2794234d86addf4e"

func TestBuildInvitation_Deterministic(t *testing.T) {
	inv := Invitation{
		PublicKey: testPub,
		Relays:    []string{"wss://example", "wss://relay.nsec.app"},
		Secret:    "abc12345",
		Perms:     []string{"sign_event:3", "get_public_key"},
		Name:      "My App",
	}
	want := "nostrconnect://" + testPub +
		"?relay=wss%3A%2F%2Fexample&relay=wss%3A%2F%2Frelay.nsec.app" +
		"&secret=abc12345&perms=sign_event%3A3%2Cget_public_key&name=My+App"

	first := BuildInvitation(inv)
	if first != want {
		t.Fatalf("BuildInvitation =\n%s\nwant\n%s", first, want)
	}
	for range 10 {
		if got := BuildInvitation(inv); got != first {
			t.Fatalf("output changed between calls: %s", got)
		}
	}
}

func TestBuildInvitation_OmitsEmptyOptionalParams(t *testing.T) {
	got := BuildInvitation(Invitation{PublicKey: testPub, Relays: []string{"wss://r"}, Secret: "s"})
	want := "nostrconnect://" + testPub + "?relay=wss%3A%2F%2Fr&secret=s"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestParseInvitation_RoundTrip(t *testing.T) {
	inv := Invitation{
		PublicKey: testPub,
		Relays:    []string{"wss://example", "wss://relay.nsec.app"},
		Secret:    "abc12345",
		Perms:     []string{"sign_event:3", "get_public_key"},
		Name:      "My App",
	}
	back, err := ParseInvitation(BuildInvitation(inv))
	if err != nil {
		t.Fatalf("ParseInvitation: %v", err)
	}
	if back.PublicKey != inv.PublicKey || back.Secret != inv.Secret || back.Name != inv.Name {
		t.Errorf("parsed = %+v", back)
	}
	if strings.Join(back.Relays, " ") != strings.Join(inv.Relays, " ") {
		t.Errorf("relays = %v", back.Relays)
	}
	if strings.Join(back.Perms, ",") != "sign_event:3,get_public_key" {
		t.Errorf("perms = %v", back.Perms)
	}
}

func TestParseInvitation_Invalid(t *testing.T) {
	for _, raw := range []string{
		"bunker://" + testPub + "?relay=wss%3A%2F%2Fr&secret=s",
		"nostrconnect://nothex?relay=wss%3A%2F%2Fr&secret=s",
		"nostrconnect://" + testPub + "?secret=s",
		"nostrconnect://" + testPub + "?relay=wss%3A%2F%2Fr",
		"::not a uri",
	} {
		if _, err := ParseInvitation(raw); !errors.Is(err, ErrInvalidInvitation) {
			t.Errorf("ParseInvitation(%q) error = %v, want ErrInvalidInvitation", raw, err)
		}
	}
}
