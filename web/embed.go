// Package web holds the dashboard page and its static assets.
package web

import (
	"embed"
	"io/fs"
)

//go:embed templates/*.html
var templates embed.FS

//go:embed css/*.css js/*.js
var static embed.FS

// GetTemplatesFS returns the page templates, dashboard.html at the root.
func GetTemplatesFS() fs.FS {
	return mustSub(templates, "templates")
}

// GetStaticFS returns the assets served under /static/ (css/, js/).
func GetStaticFS() fs.FS {
	return static
}

// mustSub panics when dir is not part of the embedded tree.
func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
