// Package logx provides structured logging for studysync on top of zerolog.
//
// Components receive a Logger value, never a global. Loggers created from a
// Service stay live across config reloads: Service.Apply() swaps levels and
// sinks (console, JSON file) without invalidating handed-out loggers.
package logx
