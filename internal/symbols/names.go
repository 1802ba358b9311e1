package symbols

import (
	"strings"
	"unicode/utf8"
)

const (
	ordinalMarker     = "Ordinal"
	importThunkPrefix = "__imp_"
)

// isOrdinalPlaceholder reports whether name is the placeholder given to exports
// that were only known by ordinal.
func isOrdinalPlaceholder(name string) bool {
	return strings.Contains(name, ordinalMarker)
}

// hasOrdinalPrefix is the stricter, case-insensitive form used for lookups by name.
func hasOrdinalPrefix(name string) bool {
	return len(name) >= len(ordinalMarker) && strings.EqualFold(name[:len(ordinalMarker)], ordinalMarker)
}

// isImportThunkName matches the linker's naming of import address table slots.
func isImportThunkName(name string) bool {
	return strings.HasPrefix(name, importThunkPrefix)
}

// truncate fits s in a buffer of size bytes including the terminator. It never
// cuts a multi-byte character in half.
func truncate(s string, size int) string {
	if len(s) < size {
		return s
	}
	n := size - 1
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
