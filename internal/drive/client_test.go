package drive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeFile struct {
	File
	content []byte
}

// fakeDrive implements the slice of the Drive v3 API the client uses.
type fakeDrive struct {
	t       *testing.T
	mu      sync.Mutex
	files   map[string]*fakeFile
	nextID  int
	creates int
	queries []string
	tokens  []string
}

var nameClause = regexp.MustCompile(`name = '((?:[^'\\]|\\.)*)'`)
var parentClause = regexp.MustCompile(`'((?:[^'\\]|\\.)*)' in parents`)

func unescapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\'`, `'`)
	return strings.ReplaceAll(s, `\\`, `\`)
}

func newFakeDrive(t *testing.T) (*fakeDrive, *httptest.Server) {
	t.Helper()
	fd := &fakeDrive{t: t, files: map[string]*fakeFile{}}
	srv := httptest.NewServer(http.HandlerFunc(fd.serve))
	t.Cleanup(srv.Close)
	return fd, srv
}

func (fd *fakeDrive) serve(w http.ResponseWriter, r *http.Request) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.tokens = append(fd.tokens, r.Header.Get("Authorization"))

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/drive/v3/files":
		q := r.URL.Query().Get("q")
		fd.queries = append(fd.queries, q)
		name := ""
		if m := nameClause.FindStringSubmatch(q); m != nil {
			name = unescapeQuery(m[1])
		}
		parent := ""
		if m := parentClause.FindStringSubmatch(q); m != nil {
			parent = unescapeQuery(m[1])
		}
		wantFolder := strings.Contains(q, FolderMimeType)
		var found []File
		for _, f := range fd.files {
			if f.Name != name || (wantFolder && f.MimeType != FolderMimeType) {
				continue
			}
			if len(f.Parents) == 0 || f.Parents[0] != parent {
				continue
			}
			found = append(found, f.File)
		}
		writeTestJSON(w, http.StatusOK, map[string]any{"files": found})
	case r.Method == http.MethodPost && r.URL.Path == "/drive/v3/files":
		var meta File
		if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
			fd.t.Errorf("decode folder metadata: %v", err)
		}
		writeTestJSON(w, http.StatusOK, fd.createLocked(meta, nil).File)
	case r.Method == http.MethodPost && r.URL.Path == "/upload/drive/v3/files":
		meta, content := fd.readMultipart(r)
		writeTestJSON(w, http.StatusOK, fd.createLocked(meta, content).File)
	case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/upload/drive/v3/files/"):
		id := strings.TrimPrefix(r.URL.Path, "/upload/drive/v3/files/")
		f, ok := fd.files[id]
		if !ok {
			writeNotFound(w, id)
			return
		}
		meta, content := fd.readMultipart(r)
		f.content = content
		for k, v := range meta.AppProperties {
			if f.AppProperties == nil {
				f.AppProperties = map[string]string{}
			}
			f.AppProperties[k] = v
		}
		writeTestJSON(w, http.StatusOK, f.File)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/drive/v3/files/"):
		id := strings.TrimPrefix(r.URL.Path, "/drive/v3/files/")
		f, ok := fd.files[id]
		if !ok {
			writeNotFound(w, id)
			return
		}
		if r.URL.Query().Get("alt") != "media" {
			fd.t.Errorf("expected alt=media download")
		}
		_, _ = w.Write(f.content)
	default:
		http.NotFound(w, r)
	}
}

func (fd *fakeDrive) createLocked(meta File, content []byte) *fakeFile {
	fd.nextID++
	fd.creates++
	meta.ID = fmt.Sprintf("file-%d", fd.nextID)
	f := &fakeFile{File: meta, content: content}
	fd.files[meta.ID] = f
	return f
}

func (fd *fakeDrive) readMultipart(r *http.Request) (File, []byte) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/related" {
		fd.t.Errorf("expected multipart/related, got %q (%v)", r.Header.Get("Content-Type"), err)
		return File{}, nil
	}
	if r.URL.Query().Get("uploadType") != "multipart" {
		fd.t.Errorf("expected uploadType=multipart")
	}
	reader := multipart.NewReader(r.Body, params["boundary"])
	metaPart, err := reader.NextPart()
	if err != nil {
		fd.t.Errorf("metadata part: %v", err)
		return File{}, nil
	}
	if ct := metaPart.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		fd.t.Errorf("expected json metadata part, got %q", ct)
	}
	var meta File
	if err := json.NewDecoder(metaPart).Decode(&meta); err != nil {
		fd.t.Errorf("decode metadata: %v", err)
	}
	mediaPart, err := reader.NextPart()
	if err != nil {
		fd.t.Errorf("media part: %v", err)
		return meta, nil
	}
	content, _ := io.ReadAll(mediaPart)
	return meta, content
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeNotFound(w http.ResponseWriter, id string) {
	writeTestJSON(w, http.StatusNotFound, map[string]any{
		"error": map[string]any{
			"code":    404,
			"message": "File not found: " + id,
			"status":  "NOT_FOUND",
			"errors":  []map[string]any{{"reason": "notFound"}},
		},
	})
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(Options{
		BaseURL:       srv.URL,
		TokenProvider: StaticToken("drive-token"),
		HTTPClient:    srv.Client(),
		AppProperties: map[string]string{"source": "relaydoc", "environment": "test"},
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
	})
}

func TestGetOrCreateFolderIsIdempotent(t *testing.T) {
	fd, srv := newFakeDrive(t)
	client := newTestClient(srv)
	ctx := context.Background()

	first, err := client.GetOrCreateFolder(ctx, "relaydoc-data", "")
	if err != nil {
		t.Fatalf("first get-or-create: %v", err)
	}
	second, err := client.GetOrCreateFolder(ctx, "relaydoc-data", "")
	if err != nil {
		t.Fatalf("second get-or-create: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same folder, got %s and %s", first, second)
	}
	if fd.creates != 1 {
		t.Fatalf("expected one create, got %d", fd.creates)
	}
	folder := fd.files[first]
	if folder.MimeType != FolderMimeType || folder.Parents[0] != RootFolderID {
		t.Fatalf("unexpected folder metadata: %+v", folder.File)
	}
	if folder.AppProperties["source"] != "relaydoc" || folder.AppProperties["environment"] != "test" {
		t.Fatalf("expected app properties on the folder, got %+v", folder.AppProperties)
	}
	if fd.tokens[0] != "Bearer drive-token" {
		t.Fatalf("expected bearer token, got %q", fd.tokens[0])
	}
}

func TestSearchQueryFiltersByAppPropertiesAndEscapes(t *testing.T) {
	fd, srv := newFakeDrive(t)
	client := newTestClient(srv)

	if _, err := client.FindFile(context.Background(), `it's a \ doc`, "folder-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	q := fd.queries[0]
	for _, want := range []string{
		`name = 'it\'s a \\ doc'`,
		`'folder-1' in parents`,
		`trashed = false`,
		`appProperties has { key='environment' and value='test' }`,
		`appProperties has { key='source' and value='relaydoc' }`,
	} {
		if !strings.Contains(q, want) {
			t.Fatalf("expected query to contain %q, got %q", want, q)
		}
	}
	if strings.Contains(q, FolderMimeType) {
		t.Fatalf("file search must not restrict to folders: %q", q)
	}
}

func TestEscapeQueryValue(t *testing.T) {
	if got := EscapeQueryValue(`a'b\c`); got != `a\'b\\c` {
		t.Fatalf("unexpected escape result %q", got)
	}
}

func TestFileLifecycle(t *testing.T) {
	fd, srv := newFakeDrive(t)
	client := newTestClient(srv)
	ctx := context.Background()

	file, err := client.GetOrCreateFile(ctx, "doc-1", []byte("seed"), "application/octet-stream", "folder-1")
	if err != nil {
		t.Fatalf("get-or-create file: %v", err)
	}
	again, err := client.GetOrCreateFile(ctx, "doc-1", []byte("other seed"), "application/octet-stream", "folder-1")
	if err != nil {
		t.Fatalf("second get-or-create: %v", err)
	}
	if again.ID != file.ID || fd.creates != 1 {
		t.Fatalf("expected the existing file to be reused")
	}

	content, err := client.ReadFile(ctx, file.ID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(content) != "seed" {
		t.Fatalf("expected seed content, got %q", content)
	}

	binary := []byte{0x00, 0xff, '\r', '\n', '-', '-'}
	if _, err := client.UpdateFile(ctx, file.ID, binary, "application/octet-stream"); err != nil {
		t.Fatalf("update: %v", err)
	}
	content, err = client.ReadFile(ctx, file.ID)
	if err != nil {
		t.Fatalf("read after update: %v", err)
	}
	if string(content) != string(binary) {
		t.Fatalf("expected binary content to round-trip, got %v", content)
	}
}

func TestReadMissingFileReturnsHTTPError(t *testing.T) {
	_, srv := newFakeDrive(t)
	client := newTestClient(srv)

	_, err := client.ReadFile(context.Background(), "nope")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *HTTPError, got %T %v", err, err)
	}
	if httpErr.StatusCode != http.StatusNotFound || httpErr.Code != "notFound" {
		t.Fatalf("unexpected error fields: %+v", httpErr)
	}
	if !strings.Contains(httpErr.Message, "File not found") {
		t.Fatalf("expected Google error message, got %q", httpErr.Message)
	}
}

func TestRetriesServerErrorsAndRateLimits(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		switch n {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = w.Write([]byte("payload"))
		}
	}))
	defer srv.Close()
	client := newTestClient(srv)

	body, err := client.ReadFile(context.Background(), "f")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "payload" || calls != 3 {
		t.Fatalf("expected success on third attempt, got %q after %d calls", body, calls)
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeTestJSON(w, http.StatusForbidden, map[string]string{"code": "forbidden", "message": "no access"})
	}))
	defer srv.Close()
	client := newTestClient(srv)

	_, err := client.ReadFile(context.Background(), "f")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != "forbidden" || httpErr.Message != "no access" {
		t.Fatalf("expected flat error body to decode, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}

func TestMissingTokenFailsFast(t *testing.T) {
	client := NewClient(Options{BaseURL: "http://127.0.0.1:1", TokenProvider: StaticToken(" ")})
	if _, err := client.ReadFile(context.Background(), "f"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	client = NewClient(Options{BaseURL: "http://127.0.0.1:1"})
	if _, err := client.ReadFile(context.Background(), "f"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without provider, got %v", err)
	}
}
