package hooks

import (
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
)

type contextHook struct {
}

func NewContextHook() contextHook {
	return contextHook{}
}

func (hook contextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire records the file:line of the first frame below logrus itself.
func (hook contextHook) Fire(entry *logrus.Entry) error {
	lines := strings.Split(string(debug.Stack()), "\n")
	// frames come in pairs: function line, then tab-indented file:line
	for i := 1; i+1 < len(lines); i += 2 {
		fn, loc := lines[i], strings.TrimSpace(lines[i+1])
		if strings.Contains(fn, "sirupsen/logrus") || strings.Contains(fn, "runtime/debug") ||
			strings.Contains(fn, "hooks.contextHook") {
			continue
		}
		if idx := strings.LastIndex(loc, "offload/"); idx >= 0 {
			loc = loc[idx+len("offload/"):]
		}
		if sp := strings.LastIndex(loc, " +0x"); sp >= 0 {
			loc = loc[:sp]
		}
		entry.Data["file:line"] = loc
		return nil
	}
	return nil
}
