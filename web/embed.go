package web

import "embed"

// FS holds the bridge console: the page, its stylesheet and script.
//
//go:embed *.html *.css *.js
var FS embed.FS
