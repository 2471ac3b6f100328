// Package logx configures replybot's structured logging.
//
// A small wrapper (logx.Logger) over zerolog keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured
//   - an optional chat sink (min-level + rate limiting) for operator visibility
package logx
