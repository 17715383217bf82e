// Package logx configures tierbot's structured logging.
//
// Logger is a small value type on top of zerolog:
//   - console output stays readable (short timestamp + file:line caller)
//   - file output is JSON, one event per line
//   - an optional Telegram sink forwards warnings to an operator chat,
//     rate limited so a failing broadcast cannot flood it
package logx
