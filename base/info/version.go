package info

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
)

const unknown = "unknown"

var (
	name    = "routemon"
	license = "GPLv3"

	// Set via ldflags.
	version     = "dev build"
	buildSource = unknown
	buildTime   = unknown

	getInfo = sync.OnceValue(readInfo)
)

// Info is the meta information of the program.
type Info struct {
	Name    string
	Version string
	License string

	Source    string
	BuildTime string
	GoVersion string
	CGO       bool

	Commit     string
	CommitTime string
	Dirty      bool
}

// Set sets the program name, version and license. It must be called before
// any other function of this package. An empty version keeps the version set
// at build time.
func Set(setName string, setVersion string, setLicenseName string) {
	name = setName
	license = setLicenseName
	if setVersion != "" {
		version = setVersion
	}
}

func readInfo() *Info {
	vcs := map[string]string{}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			vcs[s.Key] = s.Value
		}
	}
	orUnknown := func(s string) string {
		if s == "" {
			return unknown
		}
		return s
	}

	i := &Info{
		Name:       name,
		Version:    strings.TrimPrefix(version, "v"),
		License:    license,
		Source:     strings.ReplaceAll(buildSource, "_", " "),
		BuildTime:  strings.ReplaceAll(buildTime, "_", " "),
		GoVersion:  runtime.Version(),
		CGO:        vcs["CGO_ENABLED"] == "1",
		Commit:     orUnknown(vcs["vcs.revision"]),
		CommitTime: orUnknown(vcs["vcs.time"]),
		Dirty:      vcs["vcs.modified"] == "true",
	}
	if i.Dirty && !strings.HasSuffix(i.Version, "dev build") {
		i.Version += " dev build"
	}
	return i
}

// GetInfo returns the meta information of the program.
func GetInfo() *Info {
	return getInfo()
}

// Version returns the version.
func Version() string {
	return GetInfo().Version
}

// FullVersion returns a multi-line description of version, build and license.
func FullVersion() string {
	i := GetInfo()

	cgo, tree := "-cgo", "clean"
	if i.CGO {
		cgo = "+cgo"
	}
	if i.Dirty {
		tree = "dirty"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n\n", i.Name, i.Version)
	fmt.Fprintf(&b, "built with %s (%s %s) for %s/%s\n", i.GoVersion, runtime.Compiler, cgo, runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "  at %s\n\n", i.BuildTime)
	fmt.Fprintf(&b, "commit %s (%s)\n", i.Commit, tree)
	fmt.Fprintf(&b, "  at %s\n", i.CommitTime)
	fmt.Fprintf(&b, "  from %s\n\n", i.Source)
	fmt.Fprintf(&b, "Licensed under the %s license.", i.License)
	return b.String()
}
