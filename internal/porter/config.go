package porter

import (
	"bufio"
	"log"
	"os"
	"strconv"
	"strings"
)

// Config struct
type Config struct {
	Values          map[string]string
	DefaultJobs     int
	ClearCache      bool
	KeepEnvOnError  bool
	IdleBuilds      bool
	LogRetention    int
	BootstrapOnly   []string
	ForcedPackages  []string
	SkipTestsStageA bool
}

// Load /etc/porter.conf and apply defaults
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// Attempt to read the file
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	// Merge PORTER_* env overrides
	mergeEnvOverrides(cfg)

	return cfg, nil
}

// Merge PORTER_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "PORTER_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

func initConfig(cfg *Config) {
	TargetArch = cfg.Values["PORTER_ARCH"]
	if TargetArch == "" {
		TargetArch = "aarch64"
	}

	CacheDir = cfg.Values["PORTER_CACHE_DIR"]
	if CacheDir == "" {
		CacheDir = "/var/cache/porter"
	}

	ChrootDir = cfg.Values["PORTER_CHROOT_DIR"]
	if ChrootDir == "" {
		ChrootDir = "/var/lib/porter/chroot"
	}

	StateDir = cfg.Values["PORTER_STATE_DIR"]
	if StateDir == "" {
		StateDir = "/var/lib/porter/state"
	}

	LogDir = cfg.Values["PORTER_LOG_DIR"]
	if LogDir == "" {
		LogDir = "/var/log/porter"
	}

	PkgbuildsDir = cfg.Values["PORTER_PKGBUILDS_DIR"]
	if PkgbuildsDir == "" {
		PkgbuildsDir = "/var/lib/porter/pkgbuilds"
	}

	UpstreamMirror = cfg.Values["PORTER_UPSTREAM_MIRROR"]
	if UpstreamMirror == "" {
		UpstreamMirror = "https://geo.mirror.pkgbuild.com"
	}

	TargetMirror = cfg.Values["PORTER_TARGET_MIRROR"]
	if TargetMirror == "" {
		log.Printf("Warning: PORTER_TARGET_MIRROR is not set")
	}

	WantDebug = cfg.Values["PORTER_DEBUG"]
	if WantDebug == "" {
		WantDebug = "0"
	}
	Debug = false
	if WantDebug == "1" {
		Debug = true
	}

	cfg.DefaultJobs = 1
	if j := cfg.Values["PORTER_JOBS"]; j != "" {
		if n, err := strconv.Atoi(j); err == nil && n > 0 {
			cfg.DefaultJobs = n
		}
	}

	cfg.ClearCache = true
	if cfg.Values["PORTER_CLEAR_CACHE"] == "0" {
		cfg.ClearCache = false
	}

	cfg.KeepEnvOnError = cfg.Values["PORTER_KEEP_ENV"] == "1"

	cfg.IdleBuilds = cfg.Values["PORTER_IDLE_BUILDS"] == "1"

	cfg.LogRetention = 3
	if r := cfg.Values["PORTER_LOG_RETENTION"]; r != "" {
		if n, err := strconv.Atoi(r); err == nil && n >= 0 {
			cfg.LogRetention = n
		}
	}

	cfg.SkipTestsStageA = true
	if cfg.Values["PORTER_CYCLE_CHECKS"] == "1" {
		cfg.SkipTestsStageA = false
	}

	// Toolchain packages are handled by a dedicated bootstrap procedure,
	// never by the regular scheduler.
	cfg.BootstrapOnly = []string{"linux-api-headers", "glibc", "binutils", "gcc"}
	if v := cfg.Values["PORTER_BOOTSTRAP_ONLY"]; v != "" {
		cfg.BootstrapOnly = strings.Fields(v)
	}

	if v := cfg.Values["PORTER_FORCED_PACKAGES"]; v != "" {
		cfg.ForcedPackages = strings.Fields(v)
	}

	BinDir = CacheDir + "/artifacts"
}
