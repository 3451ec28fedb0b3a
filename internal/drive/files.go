package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// EscapeQueryValue escapes a value for a single-quoted Drive query literal.
func EscapeQueryValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

func (c *Client) FindFolder(ctx context.Context, name, parentID string) (string, error) {
	file, err := c.find(ctx, name, parentID, true)
	if err != nil {
		return "", err
	}
	return file.ID, nil
}

func (c *Client) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: folder name is required", ErrInvalidInput)
	}
	metadata := c.metadata(name, parentID)
	metadata.MimeType = FolderMimeType
	body, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	var created File
	err = c.doJSON(ctx, request{
		method:      http.MethodPost,
		path:        "/drive/v3/files",
		body:        body,
		contentType: "application/json",
	}, &created)
	if err != nil {
		return "", fmt.Errorf("create folder %q: %w", name, err)
	}
	return created.ID, nil
}

// GetOrCreateFolder searches before creating. Two racing callers can still
// both create; the next search returns one of them.
func (c *Client) GetOrCreateFolder(ctx context.Context, name, parentID string) (string, error) {
	id, err := c.FindFolder(ctx, name, parentID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	return c.CreateFolder(ctx, name, parentID)
}

func (c *Client) FindFile(ctx context.Context, name, parentID string) (File, error) {
	return c.find(ctx, name, parentID, false)
}

func (c *Client) CreateFile(ctx context.Context, name string, content []byte, contentType, parentID string) (File, error) {
	if strings.TrimSpace(name) == "" {
		return File{}, fmt.Errorf("%w: file name is required", ErrInvalidInput)
	}
	body, boundary, err := buildMultipartBody(c.metadata(name, parentID), contentType, content)
	if err != nil {
		return File{}, err
	}
	var created File
	err = c.doJSON(ctx, request{
		method:      http.MethodPost,
		path:        "/upload/drive/v3/files",
		query:       url.Values{"uploadType": {"multipart"}},
		body:        body,
		contentType: "multipart/related; boundary=" + boundary,
	}, &created)
	if err != nil {
		return File{}, fmt.Errorf("create file %q: %w", name, err)
	}
	return created, nil
}

// GetOrCreateFile returns the existing file or creates one holding seed.
func (c *Client) GetOrCreateFile(ctx context.Context, name string, seed []byte, contentType, parentID string) (File, error) {
	file, err := c.FindFile(ctx, name, parentID)
	if err == nil {
		return file, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return File{}, err
	}
	return c.CreateFile(ctx, name, seed, contentType, parentID)
}

// UpdateFile overwrites a file's content.
func (c *Client) UpdateFile(ctx context.Context, fileID string, content []byte, contentType string) (File, error) {
	if strings.TrimSpace(fileID) == "" {
		return File{}, fmt.Errorf("%w: file id is required", ErrInvalidInput)
	}
	body, boundary, err := buildMultipartBody(File{AppProperties: c.tags()}, contentType, content)
	if err != nil {
		return File{}, err
	}
	var updated File
	err = c.doJSON(ctx, request{
		method:      http.MethodPatch,
		path:        "/upload/drive/v3/files/" + url.PathEscape(fileID),
		query:       url.Values{"uploadType": {"multipart"}},
		body:        body,
		contentType: "multipart/related; boundary=" + boundary,
	}, &updated)
	if err != nil {
		return File{}, fmt.Errorf("update file %s: %w", fileID, err)
	}
	return updated, nil
}

func (c *Client) ReadFile(ctx context.Context, fileID string) ([]byte, error) {
	if strings.TrimSpace(fileID) == "" {
		return nil, fmt.Errorf("%w: file id is required", ErrInvalidInput)
	}
	body, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/drive/v3/files/" + url.PathEscape(fileID),
		query:  url.Values{"alt": {"media"}},
	})
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", fileID, err)
	}
	return body, nil
}

func (c *Client) find(ctx context.Context, name, parentID string, folder bool) (File, error) {
	if strings.TrimSpace(name) == "" {
		return File{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	var result struct {
		Files []File `json:"files"`
	}
	err := c.doJSON(ctx, request{
		method: http.MethodGet,
		path:   "/drive/v3/files",
		query: url.Values{
			"q":        {c.searchQuery(name, parentID, folder)},
			"fields":   {"files(id, name, mimeType, parents, appProperties)"},
			"pageSize": {"1"},
		},
	}, &result)
	if err != nil {
		return File{}, fmt.Errorf("search %q: %w", name, err)
	}
	if len(result.Files) == 0 {
		return File{}, ErrNotFound
	}
	return result.Files[0], nil
}

func (c *Client) searchQuery(name, parentID string, folder bool) string {
	parts := []string{
		fmt.Sprintf("name = '%s'", EscapeQueryValue(name)),
		fmt.Sprintf("'%s' in parents", EscapeQueryValue(parentOrRoot(parentID))),
		"trashed = false",
	}
	if folder {
		parts = append(parts, fmt.Sprintf("mimeType = '%s'", FolderMimeType))
	}
	tags := c.tags()
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("appProperties has { key='%s' and value='%s' }",
			EscapeQueryValue(k), EscapeQueryValue(tags[k])))
	}
	return strings.Join(parts, " and ")
}

func (c *Client) metadata(name, parentID string) File {
	return File{
		Name:          name,
		Parents:       []string{parentOrRoot(parentID)},
		AppProperties: c.tags(),
	}
}

func (c *Client) tags() map[string]string {
	if len(c.appProperties) == 0 {
		return nil
	}
	out := make(map[string]string, len(c.appProperties))
	for k, v := range c.appProperties {
		out[k] = v
	}
	return out
}

func parentOrRoot(parentID string) string {
	if strings.TrimSpace(parentID) == "" {
		return RootFolderID
	}
	return parentID
}

// buildMultipartBody lays out a multipart/related upload: JSON metadata
// first, then the raw content.
func buildMultipartBody(metadata File, contentType string, content []byte) ([]byte, string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, "", err
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.SetBoundary("relaydoc" + strings.ReplaceAll(uuid.NewString(), "-", "")); err != nil {
		return nil, "", err
	}
	metaPart, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json; charset=UTF-8"}})
	if err != nil {
		return nil, "", err
	}
	if _, err := metaPart.Write(meta); err != nil {
		return nil, "", err
	}
	mediaPart, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {contentType}})
	if err != nil {
		return nil, "", err
	}
	if _, err := mediaPart.Write(content); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.Boundary(), nil
}
