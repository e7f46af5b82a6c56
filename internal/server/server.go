// Package server is a filesystem-backed blobs server implementing the wire
// contract the client syncs against: per-user sharded ciphertext files,
// flag sidecars, deletion tombstones and the Tag response header. It is
// meant for self-hosted deployments and for exercising the client end to
// end in tests.
package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const (
	tagSize          = 16
	flagsSuffix      = ".flags"
	tombstoneSuffix  = ".deleted"
	defaultNamespace = "default"
)

var validFlags = map[string]bool{
	"pending":    true,
	"processing": true,
	"failed":     true,
	"success":    true,
}

var rangeRe = regexp.MustCompile(`^bytes=(\d+)-(\d+)$`)

// Handler serves the blobs HTTP contract from a directory tree.
type Handler struct {
	root  string
	token string
	log   zerolog.Logger
}

// New builds a handler rooted at dir. An empty token disables auth checks.
func New(root, token string, log zerolog.Logger) *Handler {
	return &Handler{root: root, token: token, log: log}
}

// Path returns where a blob's ciphertext lives on disk. Ids are sharded by
// their first one, three and six characters to keep directories small.
func (h *Handler) Path(user, namespace, blobID string) string {
	if namespace == "" {
		namespace = defaultNamespace
	}
	shard := func(n int) string {
		if len(blobID) < n {
			return blobID
		}
		return blobID[:n]
	}
	return filepath.Join(h.root, user, namespace, shard(1), shard(3), shard(6), blobID)
}

func (h *Handler) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	if h.token != "" && r.Header.Get("Authorization") != "Token "+h.token {
		h.log.Warn().Str("path", r.URL.Path).Msg("rejected unauthenticated request")
		nethttp.Error(w, "unauthorized", nethttp.StatusUnauthorized)
		return
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != nethttp.MethodGet {
			nethttp.Error(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		h.list(w, r, parts[0])
	case len(parts) == 2:
		h.blob(w, r, parts[0], parts[1])
	default:
		nethttp.NotFound(w, r)
	}
}

func (h *Handler) blob(w nethttp.ResponseWriter, r *nethttp.Request, user, blobID string) {
	namespace := r.URL.Query().Get("namespace")
	path := h.Path(user, namespace, blobID)
	switch r.Method {
	case nethttp.MethodGet:
		h.get(w, r, path, blobID)
	case nethttp.MethodPut:
		h.put(w, r, path, blobID)
	case nethttp.MethodPost:
		h.setFlags(w, r, path, blobID)
	case nethttp.MethodDelete:
		h.delete(w, r, path, blobID)
	default:
		nethttp.Error(w, "method not allowed", nethttp.StatusMethodNotAllowed)
	}
}

func (h *Handler) get(w nethttp.ResponseWriter, r *nethttp.Request, path, blobID string) {
	f, err := os.Open(path)
	if err != nil {
		nethttp.NotFound(w, r)
		return
	}
	defer f.Close()

	if r.URL.Query().Get("only_flags") == "true" {
		writeJSON(w, h.readFlags(path))
		return
	}

	info, err := f.Stat()
	if err != nil {
		nethttp.Error(w, "stat failed", nethttp.StatusInternalServerError)
		return
	}
	total := info.Size()

	// The trailing bytes of the stored wire form are the GCM tag; it is
	// echoed in a header so clients can finalize decryption without
	// buffering the whole body.
	if total >= tagSize {
		tag := make([]byte, tagSize)
		if _, err := f.ReadAt(tag, total-tagSize); err == nil {
			w.Header().Set("Tag", base64.URLEncoding.EncodeToString(tag))
		}
	}

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		h.serveRange(w, f, rangeHeader, total)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(total, 10))
	io.Copy(w, f)
}

// serveRange answers a bytes=a-b request with b-a bytes from the start of
// the file, echoing the requested range back. Anything unparseable yields
// 416 with the total size.
func (h *Handler) serveRange(w nethttp.ResponseWriter, f *os.File, rangeHeader string, total int64) {
	m := rangeRe.FindStringSubmatch(rangeHeader)
	if m == nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
		w.WriteHeader(nethttp.StatusRequestedRangeNotSatisfiable)
		return
	}
	start, _ := strconv.ParseInt(m[1], 10, 64)
	end, _ := strconv.ParseInt(m[2], 10, 64)
	if end < start {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
		w.WriteHeader(nethttp.StatusRequestedRangeNotSatisfiable)
		return
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	w.WriteHeader(nethttp.StatusPartialContent)
	io.CopyN(w, f, end-start)
}

func (h *Handler) put(w nethttp.ResponseWriter, r *nethttp.Request, path, blobID string) {
	if _, err := os.Stat(path); err == nil {
		h.log.Warn().Str("blob_id", blobID).Msg("rejected overwrite of existing blob")
		nethttp.Error(w, "blob already exists", nethttp.StatusConflict)
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		nethttp.Error(w, "mkdir failed", nethttp.StatusInternalServerError)
		return
	}
	f, err := os.Create(path)
	if err != nil {
		nethttp.Error(w, "create failed", nethttp.StatusInternalServerError)
		return
	}
	if _, err := io.Copy(f, r.Body); err != nil {
		f.Close()
		os.Remove(path)
		nethttp.Error(w, "write failed", nethttp.StatusInternalServerError)
		return
	}
	if err := f.Close(); err != nil {
		nethttp.Error(w, "close failed", nethttp.StatusInternalServerError)
		return
	}
	// Re-creating a previously deleted id clears its tombstone.
	os.Remove(path + tombstoneSuffix)
	h.log.Debug().Str("blob_id", blobID).Msg("stored blob")
	w.WriteHeader(nethttp.StatusOK)
}

func (h *Handler) setFlags(w nethttp.ResponseWriter, r *nethttp.Request, path, blobID string) {
	if _, err := os.Stat(path); err != nil {
		nethttp.NotFound(w, r)
		return
	}
	var flags []string
	if err := json.NewDecoder(r.Body).Decode(&flags); err != nil {
		nethttp.Error(w, "invalid flags", nethttp.StatusNotAcceptable)
		return
	}
	for _, flag := range flags {
		if !validFlags[flag] {
			h.log.Warn().Str("blob_id", blobID).Str("flag", flag).Msg("rejected unknown flag")
			nethttp.Error(w, "invalid flags", nethttp.StatusNotAcceptable)
			return
		}
	}
	data, _ := json.Marshal(flags)
	if err := os.WriteFile(path+flagsSuffix, data, 0o600); err != nil {
		nethttp.Error(w, "write failed", nethttp.StatusInternalServerError)
		return
	}
	w.WriteHeader(nethttp.StatusOK)
}

func (h *Handler) delete(w nethttp.ResponseWriter, r *nethttp.Request, path, blobID string) {
	if _, err := os.Stat(path); err != nil {
		nethttp.NotFound(w, r)
		return
	}
	if err := os.Remove(path); err != nil {
		nethttp.Error(w, "remove failed", nethttp.StatusInternalServerError)
		return
	}
	os.Remove(path + flagsSuffix)
	if err := os.WriteFile(path+tombstoneSuffix, nil, 0o600); err != nil {
		nethttp.Error(w, "tombstone failed", nethttp.StatusInternalServerError)
		return
	}
	h.log.Debug().Str("blob_id", blobID).Msg("deleted blob")
	w.WriteHeader(nethttp.StatusOK)
}

type blobEntry struct {
	id    string
	mtime int64
}

func (h *Handler) list(w nethttp.ResponseWriter, r *nethttp.Request, user string) {
	q := r.URL.Query()
	namespace := q.Get("namespace")
	if namespace == "" {
		namespace = defaultNamespace
	}
	deleted := q.Get("deleted") == "true"
	filterFlag := q.Get("filter_flag")
	orderBy := q.Get("order_by")
	switch orderBy {
	case "", "date", "+date", "-date":
	default:
		nethttp.Error(w, "invalid order_by", nethttp.StatusBadRequest)
		return
	}

	dir := filepath.Join(h.root, user, namespace)
	var entries []blobEntry
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		isTombstone := strings.HasSuffix(name, tombstoneSuffix)
		if deleted != isTombstone || strings.HasSuffix(name, flagsSuffix) {
			return nil
		}
		id := strings.TrimSuffix(name, tombstoneSuffix)
		if filterFlag != "" && !hasFlag(h.readFlags(strings.TrimSuffix(path, tombstoneSuffix)), filterFlag) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		entries = append(entries, blobEntry{id: id, mtime: info.ModTime().UnixNano()})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		nethttp.Error(w, "list failed", nethttp.StatusInternalServerError)
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		if orderBy == "-date" {
			return entries[i].mtime > entries[j].mtime
		}
		return entries[i].mtime < entries[j].mtime
	})

	if q.Get("only_count") == "true" {
		writeJSON(w, map[string]int{"count": len(entries)})
		return
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.id)
	}
	writeJSON(w, ids)
}

func (h *Handler) readFlags(path string) []string {
	flags := []string{}
	data, err := os.ReadFile(path + flagsSuffix)
	if err != nil {
		return flags
	}
	if err := json.Unmarshal(data, &flags); err != nil {
		return []string{}
	}
	return flags
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func writeJSON(w nethttp.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
