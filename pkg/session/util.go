package session

import "strings"

// ShellQuote quotes s for use as a single POSIX shell word.
func ShellQuote(s string) string {
	return "'" + strings.Replace(s, "'", `'"'"'`, -1) + "'"
}
