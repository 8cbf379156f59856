// Package rlog is the structured-logging entry point shared by every radb
// package. Logging is confined to structural boundaries (growth, rehash,
// crash recovery), never per-call hot paths.
package rlog

import "log/slog"

func Debug(msg string, args ...any) { slog.Debug(msg, args...) }
func Info(msg string, args ...any)  { slog.Info(msg, args...) }
func Warn(msg string, args ...any)  { slog.Warn(msg, args...) }
