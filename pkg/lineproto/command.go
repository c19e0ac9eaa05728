package lineproto

import "strings"

// NormalizeCommand terminates cmd with a newline unless it already ends in one.
func NormalizeCommand(cmd string) string {
	if strings.HasSuffix(cmd, "\n") {
		return cmd
	}
	return cmd + "\n"
}
