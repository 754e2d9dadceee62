// Package logging configures logrus (TextFormatter with full
// timestamps, level set from configuration), routed by the
// LogDestination option: file:// writes to an opened file,
// x-syslog:///FACILITY dials the local syslog daemon, and foreground
// mode (-f) always wins and logs to stderr.
package logging

import (
	"fmt"
	"log/syslog"
	"net/url"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Level maps a LogLevel value (1-4) to a logrus level, matching the
// LogLevel values radsecproxy.conf has traditionally used, low-to-high:
// 1=error-ish 2=warn-ish 3=info 4=debug.
func Level(n int) logrus.Level {
	switch n {
	case 1:
		return logrus.ErrorLevel
	case 2:
		return logrus.WarnLevel
	case 3:
		return logrus.InfoLevel
	case 4:
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}

// Configure sets up the default logrus logger from the
// LogLevel/LogDestination options and the -f (foreground) CLI flag.
// foreground forces stderr output regardless of destination.
func Configure(logLevel int, destination string, foreground bool) error {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetLevel(Level(logLevel))

	if foreground || destination == "" {
		logrus.SetOutput(os.Stderr)
		return nil
	}

	switch {
	case strings.HasPrefix(destination, "file://"):
		path := strings.TrimPrefix(destination, "file://")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("logging: open %q: %w", path, err)
		}
		logrus.SetOutput(f)
		return nil

	case strings.HasPrefix(destination, "x-syslog://"):
		facility := strings.TrimPrefix(destination, "x-syslog://")
		facility = strings.TrimPrefix(facility, "/")
		priority, err := parseSyslogFacility(facility)
		if err != nil {
			return err
		}
		w, err := syslog.New(priority, "radsecproxy")
		if err != nil {
			return fmt.Errorf("logging: dial syslog: %w", err)
		}
		logrus.SetOutput(w)
		return nil

	default:
		return fmt.Errorf("logging: unrecognized LogDestination %q", destination)
	}
}

func parseSyslogFacility(name string) (syslog.Priority, error) {
	facilities := map[string]syslog.Priority{
		"KERN": syslog.LOG_KERN, "USER": syslog.LOG_USER, "MAIL": syslog.LOG_MAIL,
		"DAEMON": syslog.LOG_DAEMON, "AUTH": syslog.LOG_AUTH, "SYSLOG": syslog.LOG_SYSLOG,
		"LPR": syslog.LOG_LPR, "NEWS": syslog.LOG_NEWS, "UUCP": syslog.LOG_UUCP,
		"CRON": syslog.LOG_CRON, "AUTHPRIV": syslog.LOG_AUTHPRIV, "FTP": syslog.LOG_FTP,
		"LOCAL0": syslog.LOG_LOCAL0, "LOCAL1": syslog.LOG_LOCAL1, "LOCAL2": syslog.LOG_LOCAL2,
		"LOCAL3": syslog.LOG_LOCAL3, "LOCAL4": syslog.LOG_LOCAL4, "LOCAL5": syslog.LOG_LOCAL5,
		"LOCAL6": syslog.LOG_LOCAL6, "LOCAL7": syslog.LOG_LOCAL7,
	}
	p, ok := facilities[strings.ToUpper(name)]
	if !ok {
		return 0, fmt.Errorf("logging: unknown syslog facility %q", name)
	}
	return p | syslog.LOG_INFO, nil
}

// ParseDestination checks that a LogDestination value uses a known
// scheme (file or x-syslog) without opening anything. Configure does
// not call it; it applies its own prefix checks.
func ParseDestination(destination string) error {
	if destination == "" {
		return nil
	}
	u, err := url.Parse(destination)
	if err != nil {
		return fmt.Errorf("logging: invalid LogDestination %q: %w", destination, err)
	}
	switch u.Scheme {
	case "file", "x-syslog":
		return nil
	default:
		return fmt.Errorf("logging: unrecognized LogDestination scheme %q", u.Scheme)
	}
}
