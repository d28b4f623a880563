package report

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// A template is literal text with {name} or {name:fmt} placeholders.
// fmt is an integer verb: "d", "3d" or "02d". "{{" and "}}" are literal
// braces. The set of names is closed per section (see fieldSet); a name
// outside it is copied through verbatim.

type segment struct {
	literal string

	field   string
	raw     string // original "{...}" text, for unknown names
	width   int
	zeroPad bool
}

var formatRe = regexp.MustCompile(`^(0?)(\d*)d$`)

// parseTemplate fails only on syntax: unbalanced braces or a format verb
// other than an integer one.
func parseTemplate(tmpl string) ([]segment, error) {
	tmpl = strings.ReplaceAll(tmpl, `\n`, "\n")

	var (
		segs []segment
		lit  strings.Builder
	)
	flush := func() {
		if lit.Len() > 0 {
			segs = append(segs, segment{literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(tmpl); i++ {
		ch := tmpl[i]
		switch ch {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				lit.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(tmpl[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unclosed '{' at offset %d", i)
			}
			body := tmpl[i+1 : i+end]
			if strings.ContainsRune(body, '{') {
				return nil, fmt.Errorf("nested '{' at offset %d", i)
			}
			seg, err := parsePlaceholder(body)
			if err != nil {
				return nil, fmt.Errorf("placeholder at offset %d: %w", i, err)
			}
			seg.raw = tmpl[i : i+end+1]
			flush()
			segs = append(segs, seg)
			i += end
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				lit.WriteByte('}')
				i++
				continue
			}
			return nil, fmt.Errorf("single '}' at offset %d", i)
		default:
			lit.WriteByte(ch)
		}
	}
	flush()
	return segs, nil
}

func parsePlaceholder(body string) (segment, error) {
	name, spec, hasSpec := strings.Cut(body, ":")
	name = strings.TrimSpace(name)
	if name == "" {
		return segment{}, errors.New("empty name")
	}
	seg := segment{field: name}
	if !hasSpec {
		return seg, nil
	}
	m := formatRe.FindStringSubmatch(spec)
	if m == nil {
		return segment{}, fmt.Errorf("unsupported format %q", spec)
	}
	seg.zeroPad = m[1] == "0"
	if m[2] != "" {
		w, err := strconv.Atoi(m[2])
		if err != nil {
			return segment{}, err
		}
		seg.width = w
	}
	return seg, nil
}

// value is one resolved field of a record.
type value struct {
	text    string
	num     int
	numeric bool
	missing bool
}

func text(s string) value { return value{text: s, missing: s == ""} }

func number(n int, missing bool) value { return value{num: n, numeric: true, missing: missing} }

// fallbacks is used whenever a record lacks the field.
var fallbacks = map[string]string{
	"title":         "Unknown Title",
	"year":          "Unknown Year",
	"added_date":    "Unknown Date",
	"series_title":  "Unknown Series",
	"episode_title": "Unknown Episode",
	"season":        "Unknown",
	"episode":       "Unknown",
	"air_date":      "Unknown Date",
	"network":       "",
}

// paddedUnknown replaces a missing number that the template zero-pads, so
// "S{season:02d}" reads "S??" rather than "SUnknown".
const paddedUnknown = "??"

// execute renders segs against fields. Names not in fields are returned
// in unknown and written verbatim.
func execute(segs []segment, fields map[string]value) (out string, unknown []string) {
	var b strings.Builder
	for _, s := range segs {
		if s.field == "" {
			b.WriteString(s.literal)
			continue
		}
		v, ok := fields[s.field]
		if !ok {
			unknown = append(unknown, s.field)
			b.WriteString(s.raw)
			continue
		}
		b.WriteString(formatValue(s, v))
	}
	return b.String(), unknown
}

func formatValue(s segment, v value) string {
	if v.missing {
		if v.numeric && s.zeroPad {
			return paddedUnknown
		}
		return fallbacks[s.field]
	}
	if !v.numeric {
		return v.text
	}
	switch {
	case s.zeroPad:
		return fmt.Sprintf("%0*d", s.width, v.num)
	case s.width > 0:
		return fmt.Sprintf("%*d", s.width, v.num)
	default:
		return strconv.Itoa(v.num)
	}
}
