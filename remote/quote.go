package remote

import shellquote "github.com/kballard/go-shellquote"

// Quote renders s as a single POSIX shell word. Plain words are left bare so
// logged command lines stay readable.
func Quote(s string) string {
	return shellquote.Join(s)
}

// QuoteArgs quotes each argument and joins them with spaces.
func QuoteArgs(args []string) string {
	return shellquote.Join(args...)
}
