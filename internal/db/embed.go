package db

import "embed"

//go:embed all:migrations
var FS embed.FS
