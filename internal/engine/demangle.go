package engine

import "github.com/ianlancetaylor/demangle"

var (
	demangleSimplified = []demangle.Option{demangle.NoParams, demangle.NoEnclosingParams, demangle.NoTemplateParams}
	demangleTemplates  = []demangle.Option{demangle.NoParams, demangle.NoEnclosingParams}
	demangleFull       = []demangle.Option{demangle.NoClones}
)

// DemangleOptions maps a mode name to demangler options. Unknown modes,
// including "full", undecorate completely.
func DemangleOptions(mode string) []demangle.Option {
	switch mode {
	case "simplified":
		return demangleSimplified
	case "templates":
		return demangleTemplates
	default:
		return demangleFull
	}
}

// Undecorate returns the human readable form of a mangled C++ or Rust name.
func (e *Engine) Undecorate(name string) (string, bool) {
	out, err := demangle.ToString(name, e.demangle...)
	if err != nil || out == name {
		return "", false
	}
	return out, true
}
