package proto

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ParserOption configures a Parser at construction time.
type ParserOption func(p *Parser)

// WithParserLogger overrides the logger a Parser uses to report protocol
// errors. By default the package-level zerolog logger is used.
func WithParserLogger(logger zerolog.Logger) ParserOption {
	return func(p *Parser) {
		p.log = logger
	}
}

// WithHistory enables the bounded debug state-history observer (see
// history.go), keeping at most n of the most recently visited states.
// Disabled (n == 0) by default; intended for interactive debugging, never
// consulted by the parsing logic itself.
func WithHistory(n int) ParserOption {
	return func(p *Parser) {
		p.history = newHistory(n)
	}
}

func defaultLogger() zerolog.Logger {
	return log.Logger.With().Str("component", "proto.Parser").Logger()
}
