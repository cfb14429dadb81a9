package rpc

import (
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/NYTimes/gziphandler"
)

// mimeByExt maps the extension set named in §4.I; anything else defaults to
// application/octet-stream.
var mimeByExt = map[string]string{
	".css":  "text/css",
	".gif":  "image/gif",
	".html": "text/html",
	".ico":  "image/x-icon",
	".js":   "application/javascript",
	".png":  "image/png",
	".svg":  "image/svg+xml",
}

func mimeType(name string) string {
	if m, ok := mimeByExt[strings.ToLower(filepath.Ext(name))]; ok {
		return m
	}
	return "application/octet-stream"
}

// serveStatic serves rel from WebRoot, rejecting any path containing "..",
// per §4.I, and gzipping the response when the client accepts it — wired
// through github.com/NYTimes/gziphandler the same way jpillora-cloud-torrent
// (github.com/boypt/simple-torrent) wraps its static file handler.
func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request, rel string) {
	if strings.Contains(rel, "..") {
		http.Error(w, "404: Not Found", http.StatusNotFound)
		return
	}
	clean := path.Clean("/" + rel)[1:]
	full := filepath.Join(s.cfg.WebRoot, clean)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", mimeType(full))
		http.ServeFile(w, r, full)
	})
	gziphandler.GzipHandler(handler).ServeHTTP(w, r)
}
