package http

import (
	"hash/fnv"
	"strconv"
	"strings"
	"unicode"
)

// sanitizeInput removes control characters except tab and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	result := strings.Map(func(r rune) rune {
		if r < 32 && r != 9 {
			return -1
		}
		return r
	}, s)
	return result
}

// artifactFilename turns an indicator name into a safe file name such as
// "number-of-drug-overdose-deaths.png".
func artifactFilename(indicator, ext string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(indicator) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	name := strings.TrimSuffix(b.String(), "-")
	if name == "" {
		name = "series"
	}
	if len(name) > 80 {
		name = strings.TrimSuffix(name[:80], "-")
	}
	return name + "." + ext
}

// artifactKey identifies a rendered artifact. The generation makes every key
// stale once a new dataset becomes current.
func artifactKey(generation uint64, indicator, kind string) string {
	return strconv.FormatUint(generation, 10) + ":" + kind + ":" + indicator
}

// artifactETag is the entity tag of an artifact key.
func artifactETag(generation uint64, indicator, kind string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(indicator))
	return kind + "-" + strconv.FormatUint(generation, 10) + "-" + strconv.FormatUint(h.Sum64(), 36)
}
