package sshterminal

// Limits applied to client-driven terminal traffic.
const (
	// MaxInputMessageSize is the largest single input payload accepted from a client.
	MaxInputMessageSize = 64 * 1024

	// MaxTermCols and MaxTermRows bound resize requests.
	MaxTermCols = 500
	MaxTermRows = 500
)

// Defaults used when a shell is opened without explicit dimensions.
const (
	DefaultCols     = 80
	DefaultRows     = 24
	DefaultTermType = "xterm-256color"
)

// ClampSize bounds cols and rows to [1, MaxTermCols] and [1, MaxTermRows].
// Non-positive values fall back to the defaults.
func ClampSize(cols, rows int) (int, int) {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	return min(cols, MaxTermCols), min(rows, MaxTermRows)
}
