// Package logx is wsched's structured logging on top of zerolog.
//
// Console output is human readable with a short caller; file and JSON sinks
// stay structured. Service.Apply swaps sinks at runtime for config reloads
// and Throttled rate limits noisy call sites.
package logx
