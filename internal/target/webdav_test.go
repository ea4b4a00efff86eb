package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/studio-b12/gowebdav"
	"github.com/stretchr/testify/require"
)

// davServer is an in-memory WebDAV endpoint speaking just enough of the
// protocol for the mover: MKCOL, PUT, PROPFIND, GET, DELETE.
type davServer struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool

	puts     map[string]int // PUT attempts per path
	putOrder []string       // successful PUTs in arrival order

	failPut    map[string]int // remaining injected failures per path
	failStatus int
	reject401  bool
}

func newDAVServer() *davServer {
	return &davServer{
		files:   map[string][]byte{},
		dirs:    map[string]bool{},
		puts:    map[string]int{},
		failPut: map[string]int{},
	}
}

func (s *davServer) seed(path string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = content
}

func (s *davServer) putCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts[path]
}

func (s *davServer) order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.putOrder...)
}

func (s *davServer) content(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[path]
	return b, ok
}

func (s *davServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reject401 {
		w.Header().Set("WWW-Authenticate", `Basic realm="dav"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	p := r.URL.Path
	switch r.Method {
	case "MKCOL":
		if s.dirs[p] {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.dirs[p] = true
		w.WriteHeader(http.StatusCreated)

	case "PUT":
		s.puts[p]++
		if s.failPut[p] > 0 {
			s.failPut[p]--
			io.Copy(io.Discard, r.Body)
			w.WriteHeader(s.failStatus)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		s.files[p] = body
		s.putOrder = append(s.putOrder, p)
		w.WriteHeader(http.StatusCreated)

	case "PROPFIND":
		if b, ok := s.files[p]; ok {
			w.WriteHeader(http.StatusMultiStatus)
			fmt.Fprintf(w, `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:">
 <d:response>
  <d:href>%s</d:href>
  <d:propstat>
   <d:status>HTTP/1.1 200 OK</d:status>
   <d:prop>
    <d:displayname>%s</d:displayname>
    <d:resourcetype/>
    <d:getcontentlength>%d</d:getcontentlength>
   </d:prop>
  </d:propstat>
 </d:response>
</d:multistatus>`, p, p[strings.LastIndex(p, "/")+1:], len(b))
			return
		}
		if s.dirs[p] || s.dirs[strings.TrimRight(p, "/")] || p == "/" {
			w.WriteHeader(http.StatusMultiStatus)
			fmt.Fprintf(w, `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:">
 <d:response>
  <d:href>%s</d:href>
  <d:propstat>
   <d:status>HTTP/1.1 200 OK</d:status>
   <d:prop>
    <d:resourcetype><d:collection/></d:resourcetype>
   </d:prop>
  </d:propstat>
 </d:response>
</d:multistatus>`, p)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	case "GET":
		if b, ok := s.files[p]; ok {
			w.Write(b)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	case "DELETE":
		found := false
		for name := range s.files {
			if strings.HasPrefix(name, strings.TrimRight(p, "/")+"/") || name == p {
				delete(s.files, name)
				found = true
			}
		}
		for name := range s.dirs {
			if strings.HasPrefix(name, strings.TrimRight(p, "/")+"/") || name == strings.TrimRight(p, "/") {
				delete(s.dirs, name)
				found = true
			}
		}
		if !found {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestWebDAV(t *testing.T) (*WebDAV, *davServer) {
	t.Helper()
	srv := newDAVServer()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	w := NewWebDAV(ts.URL, "backup", "hunter2")
	w.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, putRetries)
	}
	return w, srv
}

func stagedUpload(t *testing.T, parts map[string]string) RunUpload {
	t.Helper()
	names := make([]string, 0, len(parts))
	for name := range parts {
		names = append(names, name)
	}
	dir := stageRun(t, parts)
	return RunUpload{JobID: "j1", RunID: "r1", Dir: dir, Parts: names, EntriesIndex: EntriesIndexName}
}

func TestWebDAVStoreRunUploadsMarkerLast(t *testing.T) {
	w, srv := newTestWebDAV(t)
	up := stagedUpload(t, map[string]string{PartName(0): "part zero", PartName(1): "part one"})

	location, err := w.StoreRun(context.Background(), up)
	require.NoError(t, err)
	require.Equal(t, w.base+"/j1/r1", location)

	for name, want := range map[string]string{
		PartName(0):      "part zero",
		PartName(1):      "part one",
		EntriesIndexName: "index",
		ManifestName:     "manifest",
		CompleteName:     "complete",
	} {
		got, ok := srv.content("/j1/r1/" + name)
		require.True(t, ok, name)
		require.Equal(t, want, string(got))
	}

	order := srv.order()
	require.Len(t, order, 5)
	require.Equal(t, "/j1/r1/"+CompleteName, order[len(order)-1])
	require.Equal(t, "/j1/r1/"+ManifestName, order[len(order)-2])
}

func TestWebDAVStoreRunResumesBySize(t *testing.T) {
	w, srv := newTestWebDAV(t)
	up := stagedUpload(t, map[string]string{PartName(0): "five!"})
	srv.seed("/j1/r1/"+PartName(0), []byte("five!"))

	_, err := w.StoreRun(context.Background(), up)
	require.NoError(t, err)

	// The size-matched part was skipped; the marker is always rewritten.
	require.Zero(t, srv.putCount("/j1/r1/"+PartName(0)))
	require.Equal(t, 1, srv.putCount("/j1/r1/"+CompleteName))
}

func TestWebDAVStoreRunReuploadsShortPart(t *testing.T) {
	w, srv := newTestWebDAV(t)
	up := stagedUpload(t, map[string]string{PartName(0): "full content"})
	srv.seed("/j1/r1/"+PartName(0), []byte("full"))

	_, err := w.StoreRun(context.Background(), up)
	require.NoError(t, err)

	require.Equal(t, 1, srv.putCount("/j1/r1/"+PartName(0)))
	got, _ := srv.content("/j1/r1/" + PartName(0))
	require.Equal(t, "full content", string(got))
}

func TestWebDAVPutRetriesTransientFailures(t *testing.T) {
	w, srv := newTestWebDAV(t)
	up := stagedUpload(t, map[string]string{PartName(0): "eventually"})
	srv.failStatus = http.StatusServiceUnavailable
	srv.failPut["/j1/r1/"+PartName(0)] = 2

	_, err := w.StoreRun(context.Background(), up)
	require.NoError(t, err)
	require.Equal(t, 3, srv.putCount("/j1/r1/"+PartName(0)))
}

func TestWebDAVPutRetryExhaustion(t *testing.T) {
	w, srv := newTestWebDAV(t)
	up := stagedUpload(t, map[string]string{PartName(0): "never"})
	srv.failStatus = http.StatusServiceUnavailable
	srv.failPut["/j1/r1/"+PartName(0)] = 1 << 30

	_, err := w.StoreRun(context.Background(), up)
	require.Error(t, err)
	require.Equal(t, KindNetwork, Classify(err))
	require.Equal(t, 1+putRetries, srv.putCount("/j1/r1/"+PartName(0)))
}

func TestWebDAVAuthFailureFailsFast(t *testing.T) {
	w, srv := newTestWebDAV(t)
	srv.reject401 = true
	up := stagedUpload(t, map[string]string{PartName(0): "secret"})

	_, err := w.StoreRun(context.Background(), up)
	require.Error(t, err)
	require.Equal(t, KindAuth, Classify(err))
}

func TestWebDAVStoreRunPartsRolling(t *testing.T) {
	w, srv := newTestWebDAV(t)
	stage := t.TempDir()

	parts := make(chan Part, 2)
	for i, content := range []string{"first", "second"} {
		p := filepath.Join(stage, PartName(i))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		parts <- Part{Name: PartName(i), Path: p, Size: int64(len(content))}
	}
	close(parts)

	require.NoError(t, w.StoreRunPartsRolling(context.Background(), "j1", "r1", parts))

	for i, want := range []string{"first", "second"} {
		got, ok := srv.content("/j1/r1/" + PartName(i))
		require.True(t, ok)
		require.Equal(t, want, string(got))
		// The local copy is gone once the part is stored.
		require.NoFileExists(t, filepath.Join(stage, PartName(i)))
	}
}

func TestWebDAVDeleteRunIdempotent(t *testing.T) {
	w, srv := newTestWebDAV(t)
	require.NoError(t, w.DeleteRun(context.Background(), "j1", "never-stored"))

	up := stagedUpload(t, map[string]string{PartName(0): "bytes"})
	_, err := w.StoreRun(context.Background(), up)
	require.NoError(t, err)

	require.NoError(t, w.DeleteRun(context.Background(), "j1", "r1"))
	_, ok := srv.content("/j1/r1/" + CompleteName)
	require.False(t, ok)

	require.NoError(t, w.DeleteRun(context.Background(), "j1", "r1"))
}

func TestWebDAVFetchFileMissing(t *testing.T) {
	w, _ := newTestWebDAV(t)
	_, err := w.FetchFile(context.Background(), "j1", "r1", ManifestName)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestWebDAVClassify(t *testing.T) {
	w := NewWebDAV("http://dav.invalid", "", "")
	status := func(code int) error {
		return &os.PathError{Op: "PUT", Path: "/j1/r1/x", Err: gowebdav.StatusError{Status: code}}
	}

	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"401 unauthorized", status(401), KindAuth},
		{"403 forbidden", status(403), KindAuth},
		{"404 missing", status(404), KindConfig},
		{"408 timeout", status(408), KindNetwork},
		{"429 throttled", status(429), KindNetwork},
		{"418 other 4xx", status(418), KindConfig},
		{"500 server error", status(500), KindNetwork},
		{"transport failure", errors.New("connection refused"), KindNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(w.classify("put", tc.err)))
		})
	}

	// Unclassified errors stay unknown.
	require.Equal(t, KindUnknown, Classify(errors.New("disk on fire")))
}
