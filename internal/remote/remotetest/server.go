// Package remotetest serves an in-memory document store that speaks the same
// REST subset as the remote package. Tests run it behind httptest; the daemon
// can run it on loopback with --emulate for local development.
package remotetest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

// Prefix is the database root path served by the emulator.
const Prefix = "/v1/projects/local/databases/(default)"

type document struct {
	fields  map[string]any
	created time.Time
	updated time.Time
	seq     int
}

// Server is an in-memory document store.
type Server struct {
	mu    sync.Mutex
	docs  map[string]*document
	seq   int
	down  bool
	calls map[string]int

	engine *gin.Engine
	http   *http.Server
}

var setMode sync.Once

// New creates an empty store.
func New() *Server {
	setMode.Do(func() { gin.SetMode(gin.ReleaseMode) })
	s := &Server{
		docs:  make(map[string]*document),
		calls: make(map[string]int),
	}
	r := gin.New()
	r.Use(gin.Recovery(), s.count, s.faults)
	r.Any("/*path", s.dispatch)
	s.engine = r
	return s
}

// Handler returns the HTTP handler serving the store.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// StartTest serves a new store on a test listener and returns it with its
// database base URL. The server is closed when the test ends.
func StartTest(tb testing.TB) (*Server, string) {
	tb.Helper()
	s := New()
	ts := httptest.NewServer(s.Handler())
	tb.Cleanup(ts.Close)
	return s, ts.URL + Prefix
}

// Serve runs the store on ln until Shutdown is called. It returns the base
// URL clients should use.
func (s *Server) Serve(ln net.Listener) string {
	s.http = &http.Server{Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = s.http.Serve(ln) }()
	return "http://" + ln.Addr().String() + Prefix
}

// Shutdown stops a store started with Serve.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	err := s.http.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// SetDown makes every request fail with 503 UNAVAILABLE while down is true.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// Calls returns how many requests with the given method were received.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Len returns the number of documents under a collection path.
func (s *Server) Len(collectionPath string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children(strings.Trim(collectionPath, "/")))
}

func (s *Server) count(c *gin.Context) {
	s.mu.Lock()
	s.calls[c.Request.Method]++
	s.mu.Unlock()
	c.Next()
}

func (s *Server) faults(c *gin.Context) {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		abort(c, http.StatusServiceUnavailable, "UNAVAILABLE", "store is down")
		return
	}
	c.Next()
}

func abort(c *gin.Context, code int, status, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"error": gin.H{"code": code, "status": status, "message": msg}})
}

func (s *Server) dispatch(c *gin.Context) {
	rest, ok := strings.CutPrefix(c.Param("path"), Prefix+"/documents")
	if !ok {
		abort(c, http.StatusNotFound, "NOT_FOUND", "unknown database")
		return
	}
	if rest == ":runQuery" {
		if c.Request.Method != http.MethodPost {
			abort(c, http.StatusMethodNotAllowed, "INVALID_ARGUMENT", "runQuery requires POST")
			return
		}
		s.runQuery(c)
		return
	}

	path := strings.Trim(rest, "/")
	isDoc := path != "" && len(strings.Split(path, "/"))%2 == 0
	switch {
	case c.Request.Method == http.MethodGet && isDoc:
		s.get(c, path)
	case c.Request.Method == http.MethodGet:
		s.list(c, path)
	case c.Request.Method == http.MethodPost && !isDoc:
		s.create(c, path)
	case c.Request.Method == http.MethodPatch && isDoc:
		s.patch(c, path)
	default:
		abort(c, http.StatusBadRequest, "INVALID_ARGUMENT", "unsupported operation")
	}
}

type writeRequest struct {
	Fields map[string]any `json:"fields"`
}

func (s *Server) create(c *gin.Context, collection string) {
	id := c.Query("documentId")
	if id == "" {
		abort(c, http.StatusBadRequest, "INVALID_ARGUMENT", "documentId is required")
		return
	}
	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}

	path := collection + "/" + id
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[path]; ok {
		abort(c, http.StatusConflict, "ALREADY_EXISTS", "document already exists: "+path)
		return
	}
	now := time.Now().UTC()
	s.seq++
	d := &document{fields: orEmpty(req.Fields), created: now, updated: now, seq: s.seq}
	s.docs[path] = d
	c.JSON(http.StatusOK, render(path, d))
}

func (s *Server) get(c *gin.Context, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[path]
	if !ok {
		abort(c, http.StatusNotFound, "NOT_FOUND", "no document: "+path)
		return
	}
	c.JSON(http.StatusOK, render(path, d))
}

func (s *Server) list(c *gin.Context, collection string) {
	size, _ := strconv.Atoi(c.DefaultQuery("pageSize", "100"))
	if size <= 0 {
		size = 100
	}
	offset, _ := strconv.Atoi(c.Query("pageToken"))

	s.mu.Lock()
	defer s.mu.Unlock()
	paths := s.children(collection)
	end := min(offset+size, len(paths))
	docs := make([]gin.H, 0, max(end-offset, 0))
	for _, p := range paths[min(offset, len(paths)):end] {
		docs = append(docs, render(p, s.docs[p]))
	}
	resp := gin.H{"documents": docs}
	if end < len(paths) {
		resp["nextPageToken"] = strconv.Itoa(end)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) patch(c *gin.Context, path string) {
	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	mask := c.QueryArray("updateMask.fieldPaths")
	mustExist := c.Query("currentDocument.exists") == "true"

	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[path]
	if !ok {
		if mustExist {
			abort(c, http.StatusNotFound, "NOT_FOUND", "no document: "+path)
			return
		}
		s.seq++
		d = &document{fields: map[string]any{}, created: time.Now().UTC(), seq: s.seq}
		s.docs[path] = d
	}
	if len(mask) == 0 {
		d.fields = orEmpty(req.Fields)
	} else {
		for _, f := range mask {
			if v, ok := req.Fields[f]; ok {
				d.fields[f] = v
			} else {
				delete(d.fields, f)
			}
		}
	}
	d.updated = time.Now().UTC()
	c.JSON(http.StatusOK, render(path, d))
}

type runQueryRequest struct {
	StructuredQuery struct {
		From []struct {
			CollectionID string `json:"collectionId"`
		} `json:"from"`
		Where struct {
			FieldFilter struct {
				Field struct {
					FieldPath string `json:"fieldPath"`
				} `json:"field"`
				Op    string         `json:"op"`
				Value map[string]any `json:"value"`
			} `json:"fieldFilter"`
		} `json:"where"`
	} `json:"structuredQuery"`
}

func (s *Server) runQuery(c *gin.Context) {
	var req runQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	q := req.StructuredQuery
	if len(q.From) != 1 || q.Where.FieldFilter.Op != "EQUAL" {
		abort(c, http.StatusBadRequest, "INVALID_ARGUMENT", "only single-collection EQUAL filters are supported")
		return
	}
	field := q.Where.FieldFilter.Field.FieldPath

	s.mu.Lock()
	defer s.mu.Unlock()
	readTime := time.Now().UTC().Format(time.RFC3339Nano)
	var out []gin.H
	for _, p := range s.children(q.From[0].CollectionID) {
		d := s.docs[p]
		if reflect.DeepEqual(d.fields[field], q.Where.FieldFilter.Value) {
			out = append(out, gin.H{"document": render(p, d), "readTime": readTime})
		}
	}
	if len(out) == 0 {
		out = append(out, gin.H{"readTime": readTime})
	}
	c.JSON(http.StatusOK, out)
}

// children returns the document paths directly under a collection path,
// in creation order. Callers hold s.mu.
func (s *Server) children(collection string) []string {
	depth := len(strings.Split(collection, "/")) + 1
	var paths []string
	for p := range s.docs {
		if strings.HasPrefix(p, collection+"/") && len(strings.Split(p, "/")) == depth {
			paths = append(paths, p)
		}
	}
	sort.Slice(paths, func(i, j int) bool { return s.docs[paths[i]].seq < s.docs[paths[j]].seq })
	return paths
}

func render(path string, d *document) gin.H {
	return gin.H{
		"name":       strings.TrimPrefix(Prefix, "/v1/") + "/documents/" + path,
		"fields":     d.fields,
		"createTime": d.created.Format(time.RFC3339Nano),
		"updateTime": d.updated.Format(time.RFC3339Nano),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
