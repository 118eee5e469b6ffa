package porter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"
)

// Package is one buildable output of a pkgbase recipe. Several packages may
// share one Basename when the recipe is a split package.
type Package struct {
	Name         string   `json:"pkgname"`
	Basename     string   `json:"basename"`
	Repo         string   `json:"repo"`
	Version      string   `json:"pkg_version"`
	Depends      []string `json:"depends,omitempty"`
	MakeDepends  []string `json:"makedepends,omitempty"`
	CheckDepends []string `json:"checkdepends,omitempty"`
	Provides     []string `json:"provides,omitempty"`
	ForceLatest  bool     `json:"force_latest,omitempty"`
	UseAUR       bool     `json:"aur,omitempty"`
	UseLocal     bool     `json:"local,omitempty"`
	Skip         bool     `json:"skip,omitempty"`

	// Scheduling fields, populated by planning.
	BuildStage int    `json:"build_stage"`
	CycleGroup int    `json:"cycle_group,omitempty"`
	CycleStage string `json:"cycle_stage,omitempty"` // "A" or "B" for cycle members
}

// BuildList is the on-disk product of planning and the input of building.
type BuildList struct {
	Command   string    `json:"_command"`
	Timestamp string    `json:"_timestamp"`
	Packages  []Package `json:"packages"`
}

// WriteBuildList writes the list as indented JSON, ordered by stage, then
// cycle stage, then name, so identical plans serialize identically.
func WriteBuildList(path, command string, pkgs []Package) error {
	sorted := make([]Package, len(pkgs))
	copy(sorted, pkgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.BuildStage != b.BuildStage {
			return a.BuildStage < b.BuildStage
		}
		if a.CycleStage != b.CycleStage {
			return a.CycleStage < b.CycleStage
		}
		return a.Name < b.Name
	})

	list := BuildList{
		Command:   command,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Packages:  sorted,
	}
	data, err := json.MarshalIndent(&list, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// ReadBuildList loads a previously written build list.
func ReadBuildList(path string) (*BuildList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list BuildList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("malformed build list %s: %w", path, err)
	}
	return &list, nil
}

// Blacklist holds shell-style wildcard patterns of packages that must not be
// built. Matching is attempted against both name and basename.
type Blacklist struct {
	patterns []string
}

// LoadBlacklist reads one pattern per line, ignoring blanks and # comments.
// A missing file is an empty blacklist.
func LoadBlacklist(file string) (*Blacklist, error) {
	bl := &Blacklist{}
	f, err := os.Open(file)
	if err != nil {
		if os.IsNotExist(err) {
			return bl, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		bl.patterns = append(bl.patterns, line)
	}
	return bl, scanner.Err()
}

// Matches reports whether pkg name or basename matches any pattern.
func (bl *Blacklist) Matches(name, basename string) bool {
	for _, pat := range bl.patterns {
		if ok, _ := path.Match(pat, name); ok {
			return true
		}
		if basename != "" && basename != name {
			if ok, _ := path.Match(pat, basename); ok {
				return true
			}
		}
	}
	return false
}

// Len returns the number of loaded patterns.
func (bl *Blacklist) Len() int { return len(bl.patterns) }
