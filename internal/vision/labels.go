package vision

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"
)

// Unknown is used for either field when the header text cannot be read.
const Unknown = "Unknown"

// Labels is what the header band of a drawing tells us.
type Labels struct {
	Label     string `json:"design"`
	ChildName string `json:"child_name"`
}

var (
	designPattern = regexp.MustCompile(`(?i)(spaceship|locket|single\s+character)`)
	namePattern   = regexp.MustCompile(`(?i)name\s*[:：]?\s*([\p{L}]+)`)
)

// knownDesigns maps normalized design names onto their display form.
var knownDesigns = map[string]string{
	"spaceship":        "Spaceship",
	"locket":           "Locket",
	"single character": "Single Character",
}

// ParseLabels reads a model reply. JSON replies are preferred; free text is
// scanned for a known design and a "name: X" phrase.
func ParseLabels(text string) Labels {
	text = strings.TrimSpace(stripFence(text))
	out := Labels{Label: Unknown, ChildName: Unknown}

	var parsed Labels
	if err := json.Unmarshal([]byte(text), &parsed); err == nil {
		if d := normalizeDesign(parsed.Label); d != "" {
			out.Label = d
		}
		if n := normalizeName(parsed.ChildName); n != "" {
			out.ChildName = n
		}
		return out
	}

	if m := designPattern.FindStringSubmatch(text); m != nil {
		out.Label = normalizeDesign(m[1])
	}
	if m := namePattern.FindStringSubmatch(text); m != nil {
		if n := normalizeName(m[1]); n != "" {
			out.ChildName = n
		}
	}
	return out
}

func normalizeDesign(s string) string {
	key := strings.ToLower(strings.Join(strings.Fields(s), " "))
	return knownDesigns[key]
}

func normalizeName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, Unknown) {
		return ""
	}
	runes := []rune(strings.ToLower(s))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// stripFence removes a ```json fence some models wrap around JSON output.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}
