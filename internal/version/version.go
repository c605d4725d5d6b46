// Package version описывает сборку сервиса: значения задаются через -ldflags,
// а при их отсутствии берутся из debug.BuildInfo (vcs.revision, vcs.time).
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build — сведения о сборке для health-ответов и стартового лога.
type Build struct {
	Version   string
	Commit    string
	Date      string
	GoVersion string
}

// Current возвращает сведения о текущей сборке.
func Current() Build {
	return resolve(version, commit, date, debug.ReadBuildInfo)
}

func resolve(v, c, d string, read func() (*debug.BuildInfo, bool)) Build {
	b := Build{Version: v, Commit: c, Date: d, GoVersion: runtime.Version()}
	info, ok := read()
	if !ok || info == nil {
		return b
	}
	if info.GoVersion != "" {
		b.GoVersion = info.GoVersion
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if b.Commit == "unknown" && setting.Value != "" {
				b.Commit = setting.Value
			}
		case "vcs.time":
			if b.Date == "unknown" && setting.Value != "" {
				b.Date = setting.Value
			}
		}
	}
	return b
}

// Fields — поля сборки для logrus.
func (b Build) Fields() log.Fields {
	return log.Fields{
		"version": b.Version,
		"commit":  b.Commit,
		"built":   b.Date,
		"go":      b.GoVersion,
	}
}

func (b Build) String() string {
	return fmt.Sprintf("cafeteria %s (commit %s, built %s, %s)", b.Version, b.Commit, b.Date, b.GoVersion)
}
