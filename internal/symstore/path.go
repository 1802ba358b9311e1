package symstore

import "strings"

type Kind int

const (
	// KindDir is a local directory searched for debug files.
	KindDir Kind = iota
	// KindSymbolServer is an SSQP symbol server, "SRV*cache*url".
	KindSymbolServer
	// KindDebuginfod is a debuginfod server, "DEBUGINFOD*cache*url".
	KindDebuginfod
)

// Element is one entry of a search path.
type Element struct {
	Kind  Kind
	Dir   string
	Cache string
	URL   string
}

func (e Element) String() string {
	switch e.Kind {
	case KindSymbolServer:
		return joinStore("SRV", e.Cache, e.URL)
	case KindDebuginfod:
		return joinStore("DEBUGINFOD", e.Cache, e.URL)
	default:
		return e.Dir
	}
}

func joinStore(prefix, cache, url string) string {
	if cache == "" {
		return prefix + "*" + url
	}
	return prefix + "*" + cache + "*" + url
}

// ParseSearchPath splits a ';' separated search path. Store elements take the
// forms PREFIX*url and PREFIX*cache*url; anything else is a directory.
func ParseSearchPath(path string) []Element {
	var elems []Element
	for _, raw := range strings.Split(path, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		elems = append(elems, parseElement(raw))
	}
	return elems
}

func parseElement(raw string) Element {
	prefix, rest, ok := strings.Cut(raw, "*")
	if !ok {
		return Element{Kind: KindDir, Dir: raw}
	}
	var kind Kind
	switch strings.ToUpper(prefix) {
	case "SRV":
		kind = KindSymbolServer
	case "DEBUGINFOD":
		kind = KindDebuginfod
	default:
		return Element{Kind: KindDir, Dir: raw}
	}
	if cache, url, ok := strings.Cut(rest, "*"); ok {
		return Element{Kind: kind, Cache: cache, URL: strings.TrimRight(url, "/")}
	}
	return Element{Kind: kind, URL: strings.TrimRight(rest, "/")}
}

// FormatSearchPath is the inverse of ParseSearchPath.
func FormatSearchPath(elems []Element) string {
	parts := make([]string, len(elems))
	for i, e := range elems {
		parts[i] = e.String()
	}
	return strings.Join(parts, ";")
}
