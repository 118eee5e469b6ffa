package porter

import (
	"regexp"
	"strconv"
	"strings"
)

// Version ordering for pacman-style version strings:
//
//	[epoch:]pkgver[-pkgrel]
//
// Epoch is compared numerically first, then the version body segment by
// segment, then pkgrel. VCS snapshots carrying a "+rNNN.hash" suffix are
// compared on the base version first and the revision count second; the
// commit hash never participates in ordering.

var gitRevisionRe = regexp.MustCompile(`^(.*)\+r(\d+)\.([0-9a-zA-Z]+)$`)

// Compare returns -1, 0 or 1 when a is older than, equal to, or newer than b.
// Malformed input degrades to plain string comparison rather than erroring.
func Compare(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" || b == "" {
		return strings.Compare(a, b)
	}

	epochA, restA := splitEpoch(a)
	epochB, restB := splitEpoch(b)
	if epochA != epochB {
		if epochA < epochB {
			return -1
		}
		return 1
	}

	bodyA, relA := splitPkgrel(restA)
	bodyB, relB := splitPkgrel(restB)

	if c := compareBody(bodyA, bodyB); c != 0 {
		return c
	}

	if relA != "" && relB != "" {
		return compareSegments(relA, relB)
	}
	return 0
}

// IsNewer reports whether candidate orders strictly after current.
func IsNewer(current, candidate string) bool {
	return Compare(current, candidate) < 0
}

// splitEpoch splits a leading "N:" epoch prefix; absent epoch is 0.
func splitEpoch(v string) (int, string) {
	idx := strings.Index(v, ":")
	if idx <= 0 {
		return 0, v
	}
	n, err := strconv.Atoi(v[:idx])
	if err != nil {
		return 0, v
	}
	return n, v[idx+1:]
}

// splitPkgrel splits the trailing "-rel" release counter, if any.
func splitPkgrel(v string) (string, string) {
	idx := strings.LastIndex(v, "-")
	if idx <= 0 {
		return v, ""
	}
	return v[:idx], v[idx+1:]
}

// compareBody compares two version bodies, giving git-revision suffixes
// their special treatment when both sides carry one.
func compareBody(a, b string) int {
	ma := gitRevisionRe.FindStringSubmatch(a)
	mb := gitRevisionRe.FindStringSubmatch(b)
	if ma != nil && mb != nil {
		if c := compareSegments(ma[1], mb[1]); c != 0 {
			return c
		}
		ra, _ := strconv.Atoi(ma[2])
		rb, _ := strconv.Atoi(mb[2])
		switch {
		case ra < rb:
			return -1
		case ra > rb:
			return 1
		}
		// same base and revision count: equal regardless of hash
		return 0
	}
	return compareSegments(a, b)
}

func isAlnum(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// compareSegments walks both strings in parallel, comparing alternating
// numeric and alphabetic runs. Numeric runs compare as integers and always
// order after alphabetic runs; when every shared segment ties, the side with
// segments left over wins.
func compareSegments(a, b string) int {
	ia, ib := 0, 0
	for ia < len(a) && ib < len(b) {
		for ia < len(a) && !isAlnum(a[ia]) {
			ia++
		}
		for ib < len(b) && !isAlnum(b[ib]) {
			ib++
		}
		if ia >= len(a) || ib >= len(b) {
			break
		}

		numA := isDigit(a[ia])
		numB := isDigit(b[ib])

		sa := ia
		for ia < len(a) && isDigit(a[ia]) == numA && isAlnum(a[ia]) {
			ia++
		}
		sb := ib
		for ib < len(b) && isDigit(b[ib]) == numB && isAlnum(b[ib]) {
			ib++
		}

		segA := a[sa:ia]
		segB := b[sb:ib]

		if numA != numB {
			// a numeric segment orders after an alphabetic one
			if numA {
				return 1
			}
			return -1
		}

		var c int
		if numA {
			c = compareNumeric(segA, segB)
		} else {
			c = strings.Compare(segA, segB)
		}
		if c != 0 {
			return c
		}
	}

	remA := ia < len(a)
	remB := ib < len(b)
	switch {
	case remA && !remB:
		return 1
	case !remA && remB:
		return -1
	}
	return 0
}

// compareNumeric compares two digit runs as integers of arbitrary size.
func compareNumeric(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
