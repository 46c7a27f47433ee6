package vtt

import (
	"strings"
	"testing"
)

func TestParse_Header(t *testing.T) {
	_, err := Parse([]byte("NOT WEBVTT\n\n00:00:00.000 --> 00:00:01.000\nhello\n"))
	if err == nil {
		t.Fatal("expected error for missing WEBVTT header")
	}
	var fe *FormatError
	if !asFormatError(err, &fe) {
		t.Fatalf("expected *FormatError, got %T", err)
	}
}

func TestParse_SimpleCues(t *testing.T) {
	input := `WEBVTT

00:00:00.000 --> 00:00:02.500
<v Alice>Hello there.

00:00:03.000 --> 00:00:05.000
<v Bob>Hi Alice, how are you?
`
	captions, err := Parse([]byte(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(captions) != 2 {
		t.Fatalf("expected 2 captions, got %d", len(captions))
	}
	if captions[0].VoiceTag != "Alice" || captions[0].Text != "Hello there." {
		t.Errorf("unexpected first caption: %+v", captions[0])
	}
	if captions[1].Start != 3.0 || captions[1].End != 5.0 {
		t.Errorf("unexpected timing: %+v", captions[1])
	}
	for i, c := range captions {
		if c.Index != i {
			t.Errorf("caption %d has index %d", i, c.Index)
		}
	}
}

func TestParse_CueIdentifierAndNote(t *testing.T) {
	input := `WEBVTT

NOTE this is a comment block
spanning two lines

1
00:00:00.000 --> 00:00:01.000
<v Host>Welcome to the show.
`
	captions, err := Parse([]byte(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(captions) != 1 {
		t.Fatalf("expected 1 caption, got %d", len(captions))
	}
	if captions[0].Text != "Welcome to the show." {
		t.Errorf("unexpected text: %q", captions[0].Text)
	}
}

func TestParse_MultiLineTextJoined(t *testing.T) {
	input := `WEBVTT

00:00:00.000 --> 00:00:03.000
<v Host>This is a
multi line cue.
`
	captions, err := Parse([]byte(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "This is a multi line cue."
	if captions[0].Text != want {
		t.Errorf("got %q, want %q", captions[0].Text, want)
	}
}

func TestParse_UnparseableTiming(t *testing.T) {
	input := "WEBVTT\n\nnot a timing line\nsome text\n"
	_, err := Parse([]byte(input))
	if err == nil {
		t.Fatal("expected error for unparseable timing")
	}
}

func TestParse_MergesCloseShortCaptions(t *testing.T) {
	input := `WEBVTT

00:00:00.000 --> 00:00:00.500
<v Host>Part one,

00:00:00.600 --> 00:00:01.000
<v Host>part two.
`
	captions, err := Parse([]byte(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(captions) != 1 {
		t.Fatalf("expected captions to merge into 1, got %d: %+v", len(captions), captions)
	}
	if !strings.Contains(captions[0].Text, "Part one,") || !strings.Contains(captions[0].Text, "part two.") {
		t.Errorf("merged text missing content: %q", captions[0].Text)
	}
}

func TestParse_DoesNotMergeDifferentSpeakers(t *testing.T) {
	input := `WEBVTT

00:00:00.000 --> 00:00:00.500
<v Alice>Hi.

00:00:00.600 --> 00:00:01.000
<v Bob>Hey.
`
	captions, err := Parse([]byte(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(captions) != 2 {
		t.Fatalf("expected 2 captions (different speakers), got %d", len(captions))
	}
}

func TestParse_SingleCaption(t *testing.T) {
	input := "WEBVTT\n\n00:00:00.000 --> 00:00:10.000\n<v Host>Only one caption here.\n"
	captions, err := Parse([]byte(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(captions) != 1 {
		t.Fatalf("expected exactly 1 caption, got %d", len(captions))
	}
}

func TestParseTimecode(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"00:00:00.000", 0},
		{"00:01:30.500", 90.5},
		{"01:00:00.000", 3600},
		{"02:03.250", 123.25},
	}
	for _, c := range cases {
		got, err := parseTimecode(c.in)
		if err != nil {
			t.Fatalf("parseTimecode(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("parseTimecode(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func asFormatError(err error, target **FormatError) bool {
	fe, ok := err.(*FormatError)
	if ok {
		*target = fe
	}
	return ok
}
