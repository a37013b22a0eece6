package bot

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"guildwatch/internal/domain"
)

func TestParseGuildArgs(t *testing.T) {
	b := &Bot{defaultRegion: "us"}

	ref, err := b.parseGuildArgs("stormrage/Echoes of Valor")
	if err != nil {
		t.Fatalf("parseGuildArgs failed: %v", err)
	}
	if ref.Key() != "us/stormrage/echoes-of-valor" {
		t.Fatalf("two segments must use the default region, got %s", ref.Key())
	}

	ref, err = b.parseGuildArgs("eu/silvermoon/The Vanguard")
	if err != nil {
		t.Fatalf("parseGuildArgs failed: %v", err)
	}
	if ref.Key() != "eu/silvermoon/the-vanguard" {
		t.Fatalf("explicit region must win, got %s", ref.Key())
	}
}

func TestParseGuildArgsRejectsBadInput(t *testing.T) {
	b := &Bot{defaultRegion: "us"}
	for _, text := range []string{"echoes-of-valor", "notaregion/stormrage/guild"} {
		if _, err := b.parseGuildArgs(text); err == nil {
			t.Errorf("parseGuildArgs(%q) should have failed", text)
		}
	}
}

func TestUserFacingError(t *testing.T) {
	ref := domain.NewGuildRef("us", "stormrage", "echoes-of-valor")

	msg := userFacingError(ref, &domain.UpstreamError{Kind: domain.KindNotFound, Status: 404})
	if !strings.Contains(msg, "not found") {
		t.Fatalf("unexpected not-found message: %s", msg)
	}

	msg = userFacingError(ref, &domain.UpstreamError{Kind: domain.KindUnauthorized, Status: 401})
	if !strings.Contains(msg, "credentials") {
		t.Fatalf("unexpected unauthorized message: %s", msg)
	}

	msg = userFacingError(ref, fmt.Errorf("%w: upstream down", domain.ErrUnavailable))
	if !strings.Contains(msg, "temporarily unavailable") {
		t.Fatalf("unexpected unavailable message: %s", msg)
	}

	msg = userFacingError(ref, errors.New("weird"))
	if !strings.Contains(msg, "weird") {
		t.Fatalf("fallback message must include the error: %s", msg)
	}
}
