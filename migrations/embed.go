// Package migrations embeds the Fleet Core schema so the binary can migrate
// a fresh database without SQL files on disk.
package migrations

import "embed"

// FS holds the *.up.sql / *.down.sql pairs at its root.
//
//go:embed *.sql
var FS embed.FS
