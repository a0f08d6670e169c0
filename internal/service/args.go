package service

import (
	"strings"
	"unicode"
)

// EscapeMode selects how backslashes are treated when splitting a command line.
type EscapeMode int

const (
	// EscapeNone treats backslashes as ordinary characters.
	EscapeNone EscapeMode = iota
	// EscapeBackslash makes a backslash escape the following character, as in
	// systemd ExecStart= lines.
	EscapeBackslash
	// EscapeQuoteOnly unescapes \" and leaves every other backslash intact so
	// Windows and UNC paths survive, as in cmd scripts.
	EscapeQuoteOnly
)

// SplitArgs tokenizes a command line on unquoted whitespace. Double quotes
// group words and are removed.
func SplitArgs(line string, mode EscapeMode) []string {
	var (
		args     []string
		current  strings.Builder
		inQuotes bool
		pending  bool
	)
	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		if ch == '\\' {
			switch mode {
			case EscapeBackslash:
				if i+1 < len(runes) {
					current.WriteRune(runes[i+1])
					i++
				}
				pending = true
				continue
			case EscapeQuoteOnly:
				if i+1 < len(runes) && runes[i+1] == '"' {
					current.WriteRune('"')
					i++
					pending = true
					continue
				}
			}
		}
		if ch == '"' {
			inQuotes = !inQuotes
			pending = true
			continue
		}
		if !inQuotes && unicode.IsSpace(ch) {
			if pending {
				args = append(args, current.String())
				current.Reset()
				pending = false
			}
			continue
		}
		current.WriteRune(ch)
		pending = true
	}
	if pending {
		args = append(args, current.String())
	}
	return args
}

func escapeSpecifiers(s string) string   { return strings.ReplaceAll(s, "%", "%%") }
func unescapeSpecifiers(s string) string { return strings.ReplaceAll(s, "%%", "%") }

// quoteExecStartArg is quoteSystemdArg plus $ doubling, since ExecStart=
// expands $VAR and ${VAR}.
func quoteExecStartArg(arg string) string {
	return quoteSystemdArg(strings.ReplaceAll(arg, "$", "$$"))
}

// quoteSystemdArg renders one argument for a unit file line so that
// SplitArgs(EscapeBackslash) followed by specifier unescaping returns it
// unchanged.
func quoteSystemdArg(arg string) string {
	arg = escapeSpecifiers(arg)
	if arg != "" && !strings.ContainsAny(arg, " \t\n\"\\'") {
		return arg
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range arg {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

// quoteCmdArg renders one argument for a cmd script line so that
// SplitArgs(EscapeQuoteOnly) returns it unchanged.
func quoteCmdArg(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t\"&|<>^") {
		return arg
	}
	return `"` + strings.ReplaceAll(arg, `"`, `\"`) + `"`
}

func joinArgs(args []string, quote func(string) string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = quote(a)
	}
	return strings.Join(parts, " ")
}
