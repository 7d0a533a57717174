package internal

import "log/slog"

// SlogLID returns a slog.Attr for an IB local identifier without allocating a string.
func SlogLID(key string, lid uint16) slog.Attr {
	return slog.Uint64(key, uint64(lid))
}

// SlogQPN returns a slog.Attr for an IB queue pair number without allocating a string.
func SlogQPN(key string, qpn uint32) slog.Attr {
	return slog.Uint64(key, uint64(qpn))
}
