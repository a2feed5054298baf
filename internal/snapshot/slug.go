// SPDX-License-Identifier: MIT

// Package snapshot renders dehydrated route states to disk and keeps them
// fresh. Files are written atomically so readers never observe a torn
// snapshot, and an in-memory index serves ETag lookups without touching
// the filesystem.
package snapshot

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxSlugLen = 50

// germanFold handles characters whose ASCII form is not a plain accent
// strip, so "müller" becomes "mueller" rather than "muller".
var germanFold = strings.NewReplacer(
	"ä", "ae",
	"ö", "oe",
	"ü", "ue",
	"ß", "ss",
)

// accentFold decomposes and drops combining marks: "café" → "cafe".
var accentFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify converts a route name into a filesystem-safe file stem.
// Example: "Posts/42" → "posts-42".
func Slugify(name string) string {
	s := germanFold.Replace(strings.ToLower(name))
	if folded, _, err := transform.String(accentFold, s); err == nil {
		s = folded
	}

	var b strings.Builder
	lastDash := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastDash = false
		} else if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}

	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		return "route"
	}
	return slug
}
