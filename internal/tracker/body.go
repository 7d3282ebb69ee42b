package tracker

import "strings"

// acceptanceHeader is the literal pivot splitting a task body into its
// description, acceptance criteria, and notes zones.
const acceptanceHeader = "## Acceptance Criteria"

// ParsedBody holds the three zones of a task's free-text body.
type ParsedBody struct {
	Description string
	Acceptance  []string
	Notes       string
}

// ParseBody splits a task body on the "## Acceptance Criteria" header.
// Everything before the header is description; checkbox-prefixed lines
// under it become acceptance entries (check state is ignored, the header
// defines intent, not live completion state); everything after a
// subsequent header is notes. A body without the header yields the whole
// text as description and no acceptance entries.
func ParseBody(body string) ParsedBody {
	lines := strings.Split(body, "\n")

	headerIdx := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == acceptanceHeader {
			headerIdx = i
			break
		}
	}

	if headerIdx < 0 {
		return ParsedBody{Description: strings.TrimSpace(body)}
	}

	parsed := ParsedBody{
		Description: stripDescriptionHeader(strings.TrimSpace(strings.Join(lines[:headerIdx], "\n"))),
	}

	// Collect checkbox lines until the next header; the rest is notes.
	i := headerIdx + 1
	for ; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "#") {
			break
		}
		if entry, ok := checkboxEntry(line); ok {
			parsed.Acceptance = append(parsed.Acceptance, entry)
		}
	}

	if i < len(lines) {
		// Skip the header line itself; its section content is the notes.
		parsed.Notes = strings.TrimSpace(strings.Join(lines[i+1:], "\n"))
	}

	return parsed
}

// checkboxEntry extracts the text of a markdown checklist line, accepting
// both checked and unchecked boxes.
func checkboxEntry(line string) (string, bool) {
	for _, prefix := range []string{"- [ ]", "- [x]", "- [X]", "* [ ]", "* [x]", "* [X]"} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
		}
	}
	return "", false
}

// stripDescriptionHeader removes a leading "## Description" header so a
// body written with explicit section headers parses to just its text.
func stripDescriptionHeader(description string) string {
	const header = "## Description"
	if strings.HasPrefix(description, header) {
		return strings.TrimSpace(strings.TrimPrefix(description, header))
	}
	return description
}
