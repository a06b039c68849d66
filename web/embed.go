// web/embed.go
package web

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static/*
var staticFiles embed.FS

// StaticFS serves the shared page assets under /static/.
func StaticFS() http.FileSystem {
	fsys, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	return http.FS(fsys)
}

func GetFile(name string) ([]byte, error) {
	return staticFiles.ReadFile("static/" + name)
}
