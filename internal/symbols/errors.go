package symbols

import "errors"

var (
	ErrInvalidName           = errors.New("invalid symbol name")
	ErrSymbolNotFound        = errors.New("symbol not found")
	ErrModuleNotFound        = errors.New("module not found")
	ErrNoSymbolSource        = errors.New("module has no symbol source")
	ErrLineNotFound          = errors.New("source line not found")
	ErrSearchPathUnavailable = errors.New("symbol search path unavailable")
	ErrSyncInProgress        = errors.New("symbol download already in progress")
)
