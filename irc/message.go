package irc

import (
	"errors"
	"sort"
	"strings"
)

// MaxLineLen is the maximum length of a serialized IRC line including the
// trailing CRLF, per RFC 2812 section 2.3. Lines may only exceed this when a
// length-extending capability such as batch is active.
const MaxLineLen = 512

var ErrMalformedLine = errors.New("malformed irc line")

// Message represents an IRC protocol message with IRCv3 message tags.
//
//	['@' <tags> SPACE] [':' <source> SPACE] <command> <params> <crlf>
type Message struct {
	Tags    map[string]string
	Source  string
	Command string
	Params  []string
}

// Param returns the i-th parameter or the empty string.
func (m *Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}

// validTagKey checks a tag key against the [A-Za-z0-9/+-]+ grammar.
func validTagKey(key string) bool {
	if key == "" {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '/' || c == '+' || c == '-':
		default:
			return false
		}
	}
	return true
}

// escapeTagValue applies the IRCv3 message-tags value escaping.
func escapeTagValue(value string) string {
	var b strings.Builder
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case ';':
			b.WriteString(`\:`)
		case ' ':
			b.WriteString(`\s`)
		case '\\':
			b.WriteString(`\\`)
		case '\r':
			b.WriteString(`\r`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteByte(value[i])
		}
	}
	return b.String()
}

func unescapeTagValue(value string) string {
	var b strings.Builder
	for i := 0; i < len(value); i++ {
		if value[i] != '\\' || i == len(value)-1 {
			b.WriteByte(value[i])
			continue
		}
		i++
		switch value[i] {
		case ':':
			b.WriteByte(';')
		case 's':
			b.WriteByte(' ')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		default:
			b.WriteByte(value[i])
		}
	}
	return b.String()
}

func parseTags(raw string) (map[string]string, error) {
	tags := make(map[string]string)
	for _, tag := range strings.Split(raw, ";") {
		key, value, _ := strings.Cut(tag, "=")
		if !validTagKey(key) {
			return nil, ErrMalformedLine
		}
		tags[key] = unescapeTagValue(value)
	}
	return tags, nil
}

// splitTrailing separates the trailing parameter from the main token run.
// The trailing separator is one or more spaces followed by a colon; only the
// first occurrence counts, the trailing text is kept verbatim.
func splitTrailing(raw string) (main, trailing string, ok bool) {
	for i := 1; i < len(raw); i++ {
		if raw[i] == ':' && raw[i-1] == ' ' {
			j := i - 1
			for j > 0 && raw[j-1] == ' ' {
				j--
			}
			return raw[:j], raw[i+1:], true
		}
	}
	return raw, "", false
}

// ParseMessage parses a single IRC line with the CRLF already stripped.
func ParseMessage(raw string) (*Message, error) {
	raw = strings.Trim(raw, "\r\n")
	m := &Message{}

	if strings.HasPrefix(raw, "@") {
		rawTags, rest, found := strings.Cut(raw[1:], " ")
		if !found {
			return nil, ErrMalformedLine
		}
		tags, err := parseTags(rawTags)
		if err != nil {
			return nil, err
		}
		m.Tags = tags
		raw = strings.TrimLeft(rest, " ")
	}

	main, trailing, hasTrailing := splitTrailing(raw)
	tokens := strings.Fields(main)

	if len(tokens) > 0 && strings.HasPrefix(tokens[0], ":") {
		m.Source = tokens[0][1:]
		tokens = tokens[1:]
	}
	if len(tokens) == 0 {
		return nil, ErrMalformedLine
	}

	m.Command = strings.ToUpper(tokens[0])
	m.Params = tokens[1:]
	if hasTrailing {
		m.Params = append(m.Params, trailing)
	}
	return m, nil
}

// needsTrailing reports whether the last parameter must be serialized in
// trailing form.
func needsTrailing(param string) bool {
	return param == "" || strings.Contains(param, " ") || strings.HasPrefix(param, ":")
}

// String serializes the message without the trailing CRLF. Tags are written
// in sorted key order so that serialization is canonical.
func (m *Message) String() string {
	var b strings.Builder

	if len(m.Tags) > 0 {
		keys := make([]string, 0, len(m.Tags))
		for k := range m.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('@')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(';')
			}
			b.WriteString(k)
			if v := m.Tags[k]; v != "" {
				b.WriteByte('=')
				b.WriteString(escapeTagValue(v))
			}
		}
		b.WriteByte(' ')
	}

	if m.Source != "" {
		b.WriteByte(':')
		b.WriteString(m.Source)
		b.WriteByte(' ')
	}

	b.WriteString(m.Command)

	for i, param := range m.Params {
		b.WriteByte(' ')
		if i == len(m.Params)-1 && needsTrailing(param) {
			b.WriteByte(':')
		}
		b.WriteString(param)
	}

	return b.String()
}

// Len returns the length of the serialized line including CRLF.
func (m *Message) Len() int {
	return len(m.String()) + 2
}
