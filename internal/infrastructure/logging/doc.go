// Package logging provides structured logging for Fleet Core.
//
// It wraps log/slog so every entry carries the service name and build
// version, with JSON output for production and text for development.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Command parameters can hold Wi-Fi passphrases and passcodes. Log command
// ids and types, never parameter values.
package logging
