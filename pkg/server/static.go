package server

import (
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

const staticCacheControl = "max-age=86400"

// staticHandler serves the browser terminal from a directory.
// A request for name is answered with name, or with name.gz when only the
// compressed copy exists.
type staticHandler struct {
	root string
	log  *logrus.Logger
}

func newStaticHandler(root string, log *logrus.Logger) *staticHandler {
	return &staticHandler{root: root, log: log}
}

func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := path.Clean("/" + r.URL.Path)
	if name == "/" {
		name = "/index.html"
	}

	f, gzipped, err := h.open(name)
	if err != nil {
		h.log.WithFields(logrus.Fields{
			"path":  name,
			"error": err,
		}).Debug("Static file not found")
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" {
		contentType = "text/plain"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", staticCacheControl)
	if gzipped {
		w.Header().Set("Content-Encoding", "gzip")
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// open opens name under the root, falling back to name.gz.
func (h *staticHandler) open(name string) (*os.File, bool, error) {
	full := filepath.Join(h.root, filepath.FromSlash(name))
	if f, err := os.Open(full); err == nil {
		return f, false, nil
	}
	f, err := os.Open(full + ".gz")
	if err != nil {
		return nil, false, err
	}
	return f, true, nil
}
