package wire

import (
	"context"
	"encoding/hex"
	"log/slog"
)

// DebugPrinter is a second, parse-only Reader attached solely to hex-dump
// packets when the logger's DEBUG level is enabled. Parsing (even this
// engine's cheap framing-only parse) has a nontrivial cost, so the gate is
// checked before doing any work at all, not just before logging the
// result.
type DebugPrinter struct {
	logger *slog.Logger
	reader *SimpleReader
}

// NewDebugPrinter builds a DebugPrinter that logs via logger.
func NewDebugPrinter(logger *slog.Logger) *DebugPrinter {
	p := &DebugPrinter{logger: logger}
	p.reader = NewSimpleReader(func(m Message) {
		p.logger.Debug("rfc5444 message", slog.String("hex", hex.EncodeToString(m)))
	}, NewPools())
	return p
}

// PrintIfEnabled hex-dumps buf (a whole packet) at DEBUG, labeled by
// direction (the engine passes "recv" or "send"), but only if DEBUG is actually enabled for
// logger.
func (p *DebugPrinter) PrintIfEnabled(ctx context.Context, direction string, buf []byte) {
	if !p.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	p.logger.Debug("rfc5444 packet",
		slog.String("direction", direction),
		slog.Int("bytes", len(buf)),
		slog.String("hex", hex.EncodeToString(buf)),
	)
	if err := p.reader.HandlePacket(buf); err != nil {
		p.logger.Debug("rfc5444 packet: parse error in debug printer",
			slog.String("error", err.Error()),
		)
	}
}
