// Package web serves the read-only run console: a static page that follows a
// run's event stream in the browser.
package web

import (
	"io"
	"io/fs"
	"net/http"
	"strings"
)

type ConsoleOptions struct {
	APIPrefix string // default "/api"
}

// RegisterConsole mounts publicFS at "/". Unknown paths outside the API
// prefix fall back to index.html so deep links like /runs/<id> load the
// console. It reports false when publicFS has no index.html.
func RegisterConsole(mux *http.ServeMux, publicFS fs.FS, opts ConsoleOptions) bool {
	if publicFS == nil {
		return false
	}
	if _, err := fs.Stat(publicFS, "index.html"); err != nil {
		return false
	}

	apiPrefix := opts.APIPrefix
	if apiPrefix == "" {
		apiPrefix = "/api"
	}

	fileServer := http.FileServer(http.FS(publicFS))
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, apiPrefix) {
			http.NotFound(w, r)
			return
		}

		path := strings.TrimPrefix(r.URL.Path, "/")
		if path == "" || path == "index.html" {
			serveIndex(w, r, publicFS)
			return
		}

		f, err := publicFS.Open(path)
		if err != nil {
			serveIndex(w, r, publicFS)
			return
		}
		_ = f.Close()
		fileServer.ServeHTTP(w, r)
	}))
	return true
}

func serveIndex(w http.ResponseWriter, r *http.Request, publicFS fs.FS) {
	index, err := publicFS.Open("index.html")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer func() { _ = index.Close() }()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = io.Copy(w, index)
}
