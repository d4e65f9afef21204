// Package log configures the process-wide logrus logger. Packages log through
// logrus directly; this package only decides level, format and hooks.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/twitter/offload/common/log/hooks"
)

const DefaultLevel = logrus.InfoLevel

// Configure sets the standard logger's level from a level name ("debug", "info", ...),
// an empty name keeps DefaultLevel. When withContext is set every entry gets a
// file:line field.
func Configure(level string, withContext bool) error {
	return ConfigureOutput(os.Stderr, level, withContext)
}

func ConfigureOutput(w io.Writer, level string, withContext bool) error {
	l := DefaultLevel
	if level != "" {
		var err error
		if l, err = logrus.ParseLevel(level); err != nil {
			return err
		}
	}
	logrus.SetOutput(w)
	logrus.SetLevel(l)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if withContext {
		AddHook(hooks.NewContextHook())
	}
	return nil
}

func AddHook(hook logrus.Hook) {
	logrus.AddHook(hook)
}
