package gmail

import (
	"encoding/base64"
	"testing"

	"google.golang.org/api/gmail/v1"
)

func TestFindLabelID(t *testing.T) {
	labels := []*gmail.Label{
		{Id: "INBOX", Name: "INBOX"},
		nil,
		{Id: "Label_42", Name: "ROBO_TIM"},
	}
	if got := findLabelID(labels, "ROBO_TIM"); got != "Label_42" {
		t.Fatalf("got %q", got)
	}
	if got := findLabelID(labels, "Label_42"); got != "Label_42" {
		t.Fatalf("got %q", got)
	}
	if got := findLabelID(labels, "OTHER"); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestDecodeBase64URL(t *testing.T) {
	raw := []byte("Subject: ü?>\r\n\r\nbody")
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding} {
		got, err := decodeBase64URL(enc.EncodeToString(raw))
		if err != nil || string(got) != string(raw) {
			t.Fatalf("got %q err=%v", got, err)
		}
	}
	if _, err := decodeBase64URL("***"); err == nil {
		t.Fatal("expected error")
	}
}

func TestMailDate(t *testing.T) {
	for _, v := range []string{
		"Tue, 10 Feb 2026 08:30:00 -0300",
		"Tue, 3 Feb 2026 08:30:00 -0300 (BRT)",
		"10 Feb 26 08:30 -0300",
	} {
		if _, err := mailDate(v); err != nil {
			t.Fatalf("%q: %v", v, err)
		}
	}
	if _, err := mailDate("ontem"); err == nil {
		t.Fatal("expected error")
	}
}
