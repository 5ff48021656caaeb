package web

import "embed"

// FS holds the live monitor page served at /.
//
//go:embed *.html *.css *.js
var FS embed.FS
