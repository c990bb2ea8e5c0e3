// Package logging builds the logrus logger shared by every component.
//
// Usage:
//
//	log := logging.New(logging.Options{Level: "debug", Service: "popcornguide"})
//	log.WithField("playlist_id", id).Info("guide refreshed")
package logging

import (
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Options configures New. Zero values mean info level, JSON output to stdout.
type Options struct {
	Level   string // logrus level name (debug, info, warn, error)
	Format  string // "json" or "text"
	Service string // embedded as the service field of every line
	Output  io.Writer
}

// New returns a logger entry carrying the service field.
func New(opts Options) *logrus.Entry {
	log := logrus.New()
	if strings.EqualFold(opts.Format, "text") {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	}
	if opts.Output != nil {
		log.SetOutput(opts.Output)
	} else {
		log.SetOutput(os.Stdout)
	}

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	service := opts.Service
	if service == "" {
		service = "popcornguide"
	}
	return log.WithField("service", service)
}

// Discard returns a logger that drops everything. Used as the default for
// components constructed without a logger.
func Discard() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// RedactURL strips credentials from a playlist or guide URL before it is logged.
// Provider URLs commonly carry username/password query parameters.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[unparseable url]"
	}
	if u.User != nil {
		u.User = url.User("xxx")
	}
	q := u.Query()
	changed := false
	for key := range q {
		switch strings.ToLower(key) {
		case "password", "pass", "pwd", "token", "username", "user":
			q.Set(key, "xxx")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
