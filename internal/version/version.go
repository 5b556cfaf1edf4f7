// Package version reports the build identity of the commitd binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/commitd"

// buildVersion is set via -ldflags "-X pkt.systems/commitd/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Version   string `yaml:"version"`
	Module    string `yaml:"module"`
	GoVersion string `yaml:"go"`
	Revision  string `yaml:"revision,omitempty"`
	Time      string `yaml:"time,omitempty"`
	Dirty     bool   `yaml:"dirty,omitempty"`
}

// String renders the one-line form printed by `commitd version`.
func (i Info) String() string {
	s := fmt.Sprintf("%s %s (%s)", i.Module, i.Version, i.GoVersion)
	if i.Revision != "" {
		s += " rev " + i.Revision
	}
	return s
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

// Read collects build information from ldflags and the embedded build info.
func Read() Info {
	info := Info{Version: "v0.0.0-unknown", Module: defaultModule, GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if ok {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			info.Module = path
		}
		info.Revision, info.Time, info.Dirty = vcsSettings(bi)
		if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
			info.Version = v
		} else if v := pseudoVersion(info.Revision, info.Time, info.Dirty); v != "" {
			info.Version = v
		}
	}
	if v := strings.TrimSpace(buildVersion); v != "" {
		info.Version = v
	}
	return info
}

func vcsSettings(bi *debug.BuildInfo) (revision, vcsTime string, dirty bool) {
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			vcsTime = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return revision, vcsTime, dirty
}

func pseudoVersion(revision, vcsTime string, dirty bool) string {
	if revision == "" || vcsTime == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, vcsTime)
	if err != nil {
		return ""
	}
	rev := revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + rev
	if dirty {
		ver += "+dirty"
	}
	return ver
}
