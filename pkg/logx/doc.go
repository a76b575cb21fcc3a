// Package logx is remindbot's logging layer on top of zerolog.
//
// Console output is human readable with a short file:line caller, the
// optional log file gets JSON lines, and records at or above a configured
// level can be forwarded to an operator chat. Loggers derived from a Service
// follow its config across hot reloads.
package logx
