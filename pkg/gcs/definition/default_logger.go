package definition

import (
	"io"
	"os"

	"github.com/jabolina/go-gcs/pkg/gcs/types"
	"github.com/sirupsen/logrus"
)

// The default logger used if the user does not provide its
// own implementation. Every channel receives its own instance,
// so toggling debug on one does not affect the others.
type DefaultLogger struct {
	*logrus.Entry
}

var _ types.Logger = (*DefaultLogger)(nil)

// NewDefaultLogger creates a logger writing to stderr and
// tagging every entry with the channel name.
func NewDefaultLogger(channel string) *DefaultLogger {
	return NewDefaultLoggerTo(os.Stderr, channel)
}

// NewDefaultLoggerTo creates a logger writing to the given output.
func NewDefaultLoggerTo(out io.Writer, channel string) *DefaultLogger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return &DefaultLogger{
		Entry: l.WithField("channel", channel),
	}
}

// Implements the types.Logger interface.
func (l *DefaultLogger) ToggleDebug(value bool) bool {
	previous := l.Entry.Logger.IsLevelEnabled(logrus.DebugLevel)
	if value {
		l.Entry.Logger.SetLevel(logrus.DebugLevel)
	} else {
		l.Entry.Logger.SetLevel(logrus.InfoLevel)
	}
	return previous
}
