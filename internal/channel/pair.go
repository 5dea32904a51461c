package channel

import (
	"log/slog"
	"net"
)

// Pair returns two endpoints joined back to back in memory. Every frame the
// controller writes arrives on the unit's inbound side and the reverse. The
// endpoints share nothing but the pipe; messages cross it as encoded bytes.
// unitOpts apply to the unit endpoint only.
func Pair(logger *slog.Logger, unitOpts ...Option) (controller, unit *Channel) {
	a, b := net.Pipe()
	controller = New(a, "controller", logger)
	unit = New(b, "unit", logger, unitOpts...)
	return controller, unit
}
