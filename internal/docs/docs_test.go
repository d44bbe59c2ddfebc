package docs

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		url, ct string
		want    Kind
	}{
		{"https://x.org/a/plan.PDF", "", KindPDF},
		{"https://x.org/a/notice", "application/pdf", KindPDF},
		{"https://x.org/a/notice", "text/html; charset=utf-8", KindHTML},
		{"https://x.org/a/page.htm?x=1", "", KindHTML},
		{"https://x.org/readme.txt", "", KindText},
		{"https://x.org/site.jpeg", "", KindImage},
		{"https://x.org/blob", "image/png", KindImage},
		{"https://x.org/archive.zip", "application/zip", KindUnknown},
		{"", "", KindUnknown},
	}
	for _, c := range cases {
		if got := KindOf(c.url, c.ct); got != c.want {
			t.Fatalf("KindOf(%q, %q) = %q, want %q", c.url, c.ct, got, c.want)
		}
	}
}

func TestParse(t *testing.T) {
	if Parse(" HTML ") != KindHTML {
		t.Fatalf("expected html")
	}
	if Parse("docx") != KindUnknown {
		t.Fatalf("expected unknown for unrecognized kind")
	}
}

func TestHandlers_EveryKindHasOne(t *testing.T) {
	for _, k := range Kinds {
		if HandlerFor(k) == nil {
			t.Fatalf("no handler for %q", k)
		}
	}
}

func TestExtractHTML(t *testing.T) {
	body := []byte("<html><body><h1>Notice</h1><p>Hello <b>world</b> &amp; friends</p></body></html>")
	got, err := HandlerFor(KindHTML).Extract(context.Background(), body)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if strings.Contains(got, "<") {
		t.Fatalf("markup left in output: %q", got)
	}
	if !strings.Contains(got, "Hello world & friends") {
		t.Fatalf("unexpected text: %q", got)
	}
}

func TestExtractText(t *testing.T) {
	got, err := HandlerFor(KindText).Extract(context.Background(), []byte("  a \t b \r\n\r\n\r\n c "))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "a b\n\nc" {
		t.Fatalf("unexpected text: %q", got)
	}
}

func TestUnsupportedKinds(t *testing.T) {
	for _, k := range []Kind{KindPDF, KindImage, KindUnknown} {
		if _, err := HandlerFor(k).Extract(context.Background(), []byte("x")); !errors.Is(err, ErrUnsupported) {
			t.Fatalf("%s: expected ErrUnsupported, got %v", k, err)
		}
	}
}
