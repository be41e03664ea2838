package web

import (
	"embed"
	"io/fs"
)

//go:embed public
var embeddedFS embed.FS

// ConsoleFS holds the run console with the "public" prefix stripped.
var ConsoleFS, _ = fs.Sub(embeddedFS, "public")
