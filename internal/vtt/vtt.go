// Package vtt parses the strict WebVTT subset accepted by the ingestion
// pipeline: a WEBVTT header, optional NOTE blocks, and cue blocks with
// HH:MM:SS.mmm --> HH:MM:SS.mmm timings and an optional <v Name> voice tag.
package vtt

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/apresai/podknowledge/internal/graphmodel"
)

// FormatError reports a WebVTT parse failure at a specific location, so
// operator-facing messages can point at the offending line.
type FormatError struct {
	Line    int
	Message string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid vtt format at line %d: %s", e.Line, e.Message)
}

// MinSegmentDuration is the default threshold (seconds) under which two
// consecutive same-speaker captions with a small gap may be merged.
const MinSegmentDuration = 2.0

// MaxMergeGap is the maximum gap between captions eligible for merging.
const MaxMergeGap = 250 * 0.001 // 250ms, expressed in seconds

var voiceTagOpen = "<v "

// Parse turns raw WebVTT bytes into an ordered, 0-indexed Caption slice.
// It fails with *FormatError if the header is missing or any cue has
// unparseable timing.
func Parse(data []byte) ([]graphmodel.Caption, error) {
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	nextLine := func() (string, bool) {
		if !scanner.Scan() {
			return "", false
		}
		lineNo++
		return scanner.Text(), true
	}

	first, ok := nextLine()
	if !ok || !strings.HasPrefix(strings.TrimSpace(first), "WEBVTT") {
		return nil, &FormatError{Line: 1, Message: "missing WEBVTT header"}
	}

	var rawCaptions []rawCaption
	var cur []string // lines accumulated for the current block

	flush := func(startLine int) error {
		if len(cur) == 0 {
			return nil
		}
		rc, skip, err := parseBlock(cur, startLine)
		if err != nil {
			return err
		}
		if !skip {
			rawCaptions = append(rawCaptions, rc)
		}
		cur = nil
		return nil
	}

	blockStart := 0
	for {
		line, ok := nextLine()
		if !ok {
			break
		}
		if strings.TrimSpace(line) == "" {
			if err := flush(blockStart); err != nil {
				return nil, err
			}
			blockStart = lineNo
			continue
		}
		if len(cur) == 0 {
			blockStart = lineNo
		}
		cur = append(cur, line)
	}
	if err := flush(blockStart); err != nil {
		return nil, err
	}

	captions := make([]graphmodel.Caption, 0, len(rawCaptions))
	for i, rc := range rawCaptions {
		captions = append(captions, graphmodel.Caption{
			Index:    i,
			Start:    rc.start,
			End:      rc.end,
			VoiceTag: rc.voiceTag,
			Text:     rc.text,
		})
	}

	return mergeCaptions(captions), nil
}

type rawCaption struct {
	start, end float64
	voiceTag   string
	text       string
}

// parseBlock parses one blank-line-delimited block. Returns skip=true for
// NOTE blocks and cue-identifier-only lines with no timing (which are
// silently ignored per the spec's "unknown cue settings are ignored").
func parseBlock(lines []string, startLine int) (rawCaption, bool, error) {
	if len(lines) == 0 {
		return rawCaption{}, true, nil
	}
	if strings.HasPrefix(strings.TrimSpace(lines[0]), "NOTE") {
		return rawCaption{}, true, nil
	}

	timingIdx := 0
	if !strings.Contains(lines[0], "-->") {
		// First line is a cue identifier; timing is on the next line.
		timingIdx = 1
		if len(lines) < 2 {
			return rawCaption{}, true, nil
		}
	}
	if timingIdx >= len(lines) || !strings.Contains(lines[timingIdx], "-->") {
		return rawCaption{}, false, &FormatError{Line: startLine + timingIdx, Message: "cue missing timing line"}
	}

	start, end, err := parseTiming(lines[timingIdx])
	if err != nil {
		return rawCaption{}, false, &FormatError{Line: startLine + timingIdx, Message: err.Error()}
	}

	textLines := lines[timingIdx+1:]
	joined := strings.Join(textLines, " ")
	voiceTag, text := extractVoiceTag(joined)
	text = collapseWhitespace(text)

	return rawCaption{start: start, end: end, voiceTag: voiceTag, text: text}, false, nil
}

// parseTiming parses "HH:MM:SS.mmm --> HH:MM:SS.mmm [settings...]".
func parseTiming(line string) (float64, float64, error) {
	parts := strings.SplitN(line, "-->", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed timing line %q", line)
	}
	startStr := strings.TrimSpace(parts[0])
	// The end side may carry trailing cue settings after the timecode.
	endFields := strings.Fields(strings.TrimSpace(parts[1]))
	if len(endFields) == 0 {
		return 0, 0, fmt.Errorf("malformed timing line %q", line)
	}
	endStr := endFields[0]

	start, err := parseTimecode(startStr)
	if err != nil {
		return 0, 0, fmt.Errorf("unparseable start timecode %q: %w", startStr, err)
	}
	end, err := parseTimecode(endStr)
	if err != nil {
		return 0, 0, fmt.Errorf("unparseable end timecode %q: %w", endStr, err)
	}
	return start, end, nil
}

// parseTimecode parses HH:MM:SS.mmm or MM:SS.mmm into seconds.
func parseTimecode(s string) (float64, error) {
	dot := strings.LastIndex(s, ".")
	var whole, frac string
	if dot >= 0 {
		whole = s[:dot]
		frac = s[dot+1:]
	} else {
		whole = s
	}
	fields := strings.Split(whole, ":")
	var h, m, sec int
	var err error
	switch len(fields) {
	case 3:
		if h, err = strconv.Atoi(fields[0]); err != nil {
			return 0, err
		}
		if m, err = strconv.Atoi(fields[1]); err != nil {
			return 0, err
		}
		if sec, err = strconv.Atoi(fields[2]); err != nil {
			return 0, err
		}
	case 2:
		if m, err = strconv.Atoi(fields[0]); err != nil {
			return 0, err
		}
		if sec, err = strconv.Atoi(fields[1]); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("expected HH:MM:SS or MM:SS, got %q", s)
	}
	total := float64(h*3600 + m*60 + sec)
	if frac != "" {
		msStr := frac
		if len(msStr) > 3 {
			msStr = msStr[:3]
		}
		for len(msStr) < 3 {
			msStr += "0"
		}
		ms, err := strconv.Atoi(msStr)
		if err != nil {
			return 0, err
		}
		total += float64(ms) / 1000.0
	}
	return total, nil
}

// extractVoiceTag strips a leading <v Name>...</v> (or unterminated <v Name>)
// wrapper from a cue's text, returning the speaker name and bare text.
func extractVoiceTag(s string) (voiceTag, text string) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, voiceTagOpen) {
		return "", s
	}
	end := strings.Index(s, ">")
	if end < 0 {
		return "", s
	}
	name := strings.TrimSpace(s[len(voiceTagOpen):end])
	rest := s[end+1:]
	rest = strings.TrimSuffix(rest, "</v>")
	return name, strings.TrimSpace(rest)
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// mergeCaptions merges consecutive same-speaker captions whose gap is under
// MaxMergeGap, as long as the merged caption's duration stays under
// MinSegmentDuration. Indices are reassigned 0..N-1 after merging.
func mergeCaptions(in []graphmodel.Caption) []graphmodel.Caption {
	if len(in) == 0 {
		return in
	}
	out := []graphmodel.Caption{in[0]}
	for _, c := range in[1:] {
		last := &out[len(out)-1]
		gap := c.Start - last.End
		mergedDuration := c.End - last.Start
		if c.VoiceTag == last.VoiceTag && gap >= 0 && gap < MaxMergeGap && mergedDuration < MinSegmentDuration {
			last.End = c.End
			last.Text = collapseWhitespace(last.Text + " " + c.Text)
			continue
		}
		out = append(out, c)
	}
	for i := range out {
		out[i].Index = i
	}
	return out
}
