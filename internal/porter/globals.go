package porter

import (
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/gookit/color"
)

// GLOBAL STATE
// We use a value of 1 for critical and 0 for non-critical/default.
var isCriticalAtomic atomic.Int32

// Global variables
var (
	ChrootDir      string
	CacheDir       string
	LogDir         string
	StateDir       string
	PkgbuildsDir   string
	BinDir         string
	TargetArch     string
	UpstreamMirror string
	TargetMirror   string
	WantDebug      string
	Debug          bool
	ConfigFile     = "/etc/porter.conf"
	version        = "dev" //default version; overridden at build time
	hostArch       = runtime.GOARCH
	buildDate      = "unknown" // overridden at build time

	// run-level sentinels
	errPlanning    = errors.New("planning failed")
	errEnvSetup    = errors.New("build environment setup failed")
	errInterrupted = errors.New("run interrupted")

	// Global executors (declared, to be assigned in Main)
	UserExec *Executor
	RootExec *Executor
)

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)
