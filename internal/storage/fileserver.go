package storage

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// FileServer serves objects from a local directory to holders of a signed URL.
// It backs the resolver in single-node and development setups.
type FileServer struct {
	root     string
	prefix   string
	resolver *SignedURLResolver
	logger   *slog.Logger
}

// NewFileServer serves files under root for requests below prefix (e.g. "/files").
func NewFileServer(root, prefix string, resolver *SignedURLResolver, logger *slog.Logger) *FileServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileServer{
		root:     root,
		prefix:   "/" + strings.Trim(prefix, "/"),
		resolver: resolver,
		logger:   logger,
	}
}

func (s *FileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key, err := cleanKey(strings.TrimPrefix(r.URL.Path, s.prefix))
	if err != nil {
		http.Error(w, "invalid key", http.StatusBadRequest)
		return
	}

	if err := s.resolver.Verify(r.URL.Query().Get("token"), key); err != nil {
		s.logger.Warn("rejected storage download", "key", key, "error", err)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	path := filepath.Join(s.root, filepath.FromSlash(key))
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}
