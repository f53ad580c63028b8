package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/fruitsalade/fruitdrive/internal/auth"
	"github.com/fruitsalade/fruitdrive/internal/blob"
	"github.com/fruitsalade/fruitdrive/internal/gateway"
	"github.com/fruitsalade/fruitdrive/internal/hierarchy"
	"github.com/fruitsalade/fruitdrive/internal/metadata/memory"
	"github.com/fruitsalade/fruitdrive/internal/models"
	"github.com/fruitsalade/fruitdrive/internal/protocol"
	"github.com/fruitsalade/fruitdrive/internal/storage"
	"github.com/fruitsalade/fruitdrive/internal/storage/local"
)

const appOrigin = "https://app.example.com"

type testEnv struct {
	server  *httptest.Server
	blobDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	blobDir := filepath.Join(t.TempDir(), "blobs")
	backend, err := local.New(local.Config{RootPath: blobDir, CreateDirs: true})
	require.NoError(t, err)

	store := memory.New()
	blobs := blob.New(backend)
	authSvc := auth.New(store, auth.Config{Secret: "api-test-secret", TokenTTL: time.Hour, BcryptCost: bcrypt.MinCost})
	srv := NewServer(Deps{
		Auth:          authSvc,
		Gateway:       gateway.New(authSvc),
		Tree:          hierarchy.New(store, blobs),
		Blobs:         blobs,
		MaxUploadSize: 64 << 10,
		CORSOrigins:   []string{appOrigin},
		Health:        store.Ping,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, blobDir: blobDir}
}

// blobCount returns the number of stored blobs, ignoring temp files.
func (e *testEnv) blobCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(e.blobDir)
	require.NoError(t, err)
	n := 0
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), ".") {
			n++
		}
	}
	return n
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) upload(t *testing.T, token, name, content, folderID string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if name != "" {
		part, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = io.WriteString(part, content)
		require.NoError(t, err)
	}
	if folderID != "" {
		require.NoError(t, mw.WriteField("folderId", folderID))
	}
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/api/files", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) register(t *testing.T, email string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/auth/register", "", protocol.CredentialsRequest{Email: email, Password: "pw123"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[protocol.SessionResponse](t, resp).Token
}

func (e *testEnv) createFolder(t *testing.T, token, name string, parent *int64) models.Folder {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/folders", token, protocol.CreateFolderRequest{Name: name, ParentID: parent})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[models.Folder](t, resp)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[protocol.HealthResponse](t, resp).Status)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/auth/register", "", protocol.CredentialsRequest{Email: "a@x.com", Password: "pw123"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reg := decode[protocol.SessionResponse](t, resp)
	assert.NotEmpty(t, reg.Token)
	assert.Equal(t, "a@x.com", reg.User.Email)

	resp = env.do(t, http.MethodPost, "/api/auth/register", "", protocol.CredentialsRequest{Email: "a@x.com", Password: "other"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/auth/register", "", protocol.CredentialsRequest{Email: "", Password: "pw"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/auth/login", "", protocol.CredentialsRequest{Email: "a@x.com", Password: "pw123"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	login := decode[protocol.SessionResponse](t, resp)
	assert.Equal(t, reg.User.ID, login.User.ID)

	resp = env.do(t, http.MethodPost, "/api/auth/login", "", protocol.CredentialsRequest{Email: "a@x.com", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/auth/login", "", protocol.CredentialsRequest{Email: "b@x.com", Password: "pw123"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/auth/login", strings.NewReader("{not json"))
	require.NoError(t, err)
	bad, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)
	routes := []struct{ method, path string }{
		{http.MethodGet, "/api/data"},
		{http.MethodPost, "/api/folders"},
		{http.MethodPut, "/api/folders/1"},
		{http.MethodPut, "/api/folders/1/move"},
		{http.MethodDelete, "/api/folders/1"},
		{http.MethodPost, "/api/files"},
		{http.MethodGet, "/api/files/1/download"},
		{http.MethodGet, "/api/files/1/preview"},
		{http.MethodPut, "/api/files/1"},
		{http.MethodPut, "/api/files/1/star"},
		{http.MethodPut, "/api/files/1/move"},
		{http.MethodDelete, "/api/files/1"},
	}
	for _, rt := range routes {
		resp := env.do(t, rt.method, rt.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s", rt.method, rt.path)

		resp = env.do(t, rt.method, rt.path, "garbage", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s with bad token", rt.method, rt.path)
	}
}

func TestCascadeScenario(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a@x.com")

	resp := env.do(t, http.MethodPost, "/api/auth/login", "", protocol.CredentialsRequest{Email: "a@x.com", Password: "pw123"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token := decode[protocol.SessionResponse](t, resp).Token

	docs := env.createFolder(t, token, "Docs", nil)
	year := env.createFolder(t, token, "2024", &docs.ID)
	assert.Equal(t, docs.ID, *year.ParentID)

	resp = env.upload(t, token, "a.txt", "hello", fmt.Sprint(year.ID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	uploaded := decode[models.File](t, resp)
	assert.Equal(t, "a.txt", uploaded.Name)
	assert.Equal(t, int64(5), uploaded.Size)
	assert.Equal(t, year.ID, *uploaded.FolderID)
	assert.Equal(t, 1, env.blobCount(t))

	resp = env.do(t, http.MethodDelete, fmt.Sprintf("/api/folders/%d", docs.ID), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[protocol.SuccessResponse](t, resp).Success)

	resp = env.do(t, http.MethodGet, "/api/data", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"folders":[],"files":[]}`, string(raw))
	assert.Equal(t, 0, env.blobCount(t))

	resp = env.do(t, http.MethodDelete, fmt.Sprintf("/api/folders/%d", docs.ID), token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFileLifecycle(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "a@x.com")

	resp := env.upload(t, token, "notes.txt", "some notes", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	f := decode[models.File](t, resp)
	assert.Nil(t, f.FolderID)
	assert.False(t, f.Starred)

	resp = env.do(t, http.MethodGet, fmt.Sprintf("/api/files/%d/download", f.ID), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "some notes", string(body))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "notes.txt")
	assert.Equal(t, "10", resp.Header.Get("Content-Length"))

	// Query-parameter token for links opened outside the app.
	resp = env.do(t, http.MethodGet, fmt.Sprintf("/api/files/%d/preview?token=%s", f.ID, token), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Disposition"), "inline"))
	assert.Equal(t, f.MimeType, resp.Header.Get("Content-Type"))

	resp = env.do(t, http.MethodPut, fmt.Sprintf("/api/files/%d/star", f.ID), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[models.File](t, resp).Starred)

	resp = env.do(t, http.MethodPut, fmt.Sprintf("/api/files/%d", f.ID), token, protocol.RenameRequest{Name: " renamed.txt "})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	renamed := decode[models.File](t, resp)
	assert.Equal(t, "renamed.txt", renamed.Name)
	assert.True(t, renamed.Starred)

	resp = env.do(t, http.MethodPut, fmt.Sprintf("/api/files/%d", f.ID), token, protocol.RenameRequest{Name: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	folder := env.createFolder(t, token, "Inbox", nil)
	resp = env.do(t, http.MethodPut, fmt.Sprintf("/api/files/%d/move", f.ID), token, protocol.MoveFileRequest{FolderID: &folder.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, folder.ID, *decode[models.File](t, resp).FolderID)

	resp = env.do(t, http.MethodPut, fmt.Sprintf("/api/files/%d/move", f.ID), token, protocol.MoveFileRequest{FolderID: models.Int64Ptr(9999)})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, fmt.Sprintf("/api/files/%d", f.ID), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, env.blobCount(t))

	resp = env.do(t, http.MethodGet, fmt.Sprintf("/api/files/%d/download", f.ID), token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUploadErrors(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "a@x.com")

	resp := env.upload(t, token, "", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.upload(t, token, "a.txt", "x", "9999")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 0, env.blobCount(t), "orphaned blob must be removed")

	resp = env.upload(t, token, "a.txt", "x", "abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.upload(t, token, "big.bin", strings.Repeat("x", 100<<10), "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, 0, env.blobCount(t))

	resp = env.do(t, http.MethodPost, "/api/files", token, map[string]string{"not": "multipart"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFolderErrors(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "a@x.com")

	resp := env.do(t, http.MethodPost, "/api/folders", token, protocol.CreateFolderRequest{Name: ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/folders", token, protocol.CreateFolderRequest{Name: "x", ParentID: models.Int64Ptr(9999)})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	a := env.createFolder(t, token, "A", nil)
	b := env.createFolder(t, token, "B", &a.ID)

	resp = env.do(t, http.MethodPut, fmt.Sprintf("/api/folders/%d/move", a.ID), token, protocol.MoveFolderRequest{ParentID: &b.ID})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPut, fmt.Sprintf("/api/folders/%d/move", b.ID), token, protocol.MoveFolderRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, decode[models.Folder](t, resp).ParentID)

	resp = env.do(t, http.MethodPut, fmt.Sprintf("/api/folders/%d", a.ID), token, protocol.RenameRequest{Name: "A"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "A", decode[models.Folder](t, resp).Name)

	for _, path := range []string{"/api/folders/abc", "/api/folders/-1", "/api/folders/0"} {
		resp = env.do(t, http.MethodDelete, path, token, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestTenantIsolation(t *testing.T) {
	env := newTestEnv(t)
	alice := env.register(t, "alice@x.com")
	bob := env.register(t, "bob@x.com")

	folder := env.createFolder(t, alice, "Private", nil)
	resp := env.upload(t, alice, "secret.txt", "s3cret", fmt.Sprint(folder.ID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	file := decode[models.File](t, resp)

	bobFolder := env.createFolder(t, bob, "Mine", nil)

	requests := []struct {
		method, path string
		body         any
	}{
		{http.MethodGet, fmt.Sprintf("/api/files/%d/download", file.ID), nil},
		{http.MethodGet, fmt.Sprintf("/api/files/%d/preview", file.ID), nil},
		{http.MethodPut, fmt.Sprintf("/api/files/%d", file.ID), protocol.RenameRequest{Name: "stolen"}},
		{http.MethodPut, fmt.Sprintf("/api/files/%d/star", file.ID), nil},
		{http.MethodPut, fmt.Sprintf("/api/files/%d/move", file.ID), protocol.MoveFileRequest{FolderID: &bobFolder.ID}},
		{http.MethodDelete, fmt.Sprintf("/api/files/%d", file.ID), nil},
		{http.MethodPut, fmt.Sprintf("/api/folders/%d", folder.ID), protocol.RenameRequest{Name: "stolen"}},
		{http.MethodPut, fmt.Sprintf("/api/folders/%d/move", folder.ID), protocol.MoveFolderRequest{ParentID: &bobFolder.ID}},
		{http.MethodPost, "/api/folders", protocol.CreateFolderRequest{Name: "inside", ParentID: &folder.ID}},
		{http.MethodDelete, fmt.Sprintf("/api/folders/%d", folder.ID), nil},
	}
	for _, rq := range requests {
		resp := env.do(t, rq.method, rq.path, bob, rq.body)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "%s %s", rq.method, rq.path)
	}

	resp = env.upload(t, bob, "into-alice.txt", "x", fmt.Sprint(folder.ID))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/data", bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := decode[protocol.DataResponse](t, resp)
	require.Len(t, data.Folders, 1)
	assert.Equal(t, "Mine", data.Folders[0].Name)
	assert.Empty(t, data.Files)

	resp = env.do(t, http.MethodGet, "/api/data", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data = decode[protocol.DataResponse](t, resp)
	require.Len(t, data.Files, 1)
	assert.Equal(t, "secret.txt", data.Files[0].Name)
	assert.False(t, data.Files[0].Starred)
}

func TestBlobRefIsNeverSerialized(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "a@x.com")

	resp := env.upload(t, token, "a.txt", "hello", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "blob")
	assert.NotContains(t, string(raw), "password")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("wrap: %w", models.ErrInvalidName), http.StatusBadRequest},
		{models.ErrInvalidInput, http.StatusBadRequest},
		{models.ErrMissingFile, http.StatusBadRequest},
		{models.ErrInvalidMove, http.StatusBadRequest},
		{models.ErrUnauthenticated, http.StatusUnauthorized},
		{models.ErrInvalidCredentials, http.StatusUnauthorized},
		{models.ErrNotFound, http.StatusNotFound},
		{models.ErrParentNotFound, http.StatusNotFound},
		{models.ErrFolderNotFound, http.StatusNotFound},
		{models.ErrBlobNotFound, http.StatusNotFound},
		{models.ErrDuplicateIdentity, http.StatusConflict},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{errors.New(`pq: relation "files" does not exist`), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		code, msg := classify(tt.err)
		assert.Equal(t, tt.code, code, "%v", tt.err)
		if code == http.StatusInternalServerError {
			assert.Equal(t, "internal error", msg)
		}
	}
}

func TestParseFormID(t *testing.T) {
	for _, v := range []string{"", "null", "0"} {
		id, err := parseFormID(v)
		require.NoError(t, err)
		assert.Nil(t, id)
	}
	id, err := parseFormID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), *id)

	_, err = parseFormID("-3")
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
}

func TestNegativeFolderReferencesAreInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "a@x.com")
	folder := env.createFolder(t, token, "A", nil)
	resp := env.upload(t, token, "a.txt", "x", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	file := decode[models.File](t, resp)

	neg := models.Int64Ptr(-1)
	responses := map[string]*http.Response{
		"create folder": env.do(t, http.MethodPost, "/api/folders", token, protocol.CreateFolderRequest{Name: "x", ParentID: neg}),
		"move folder":   env.do(t, http.MethodPut, fmt.Sprintf("/api/folders/%d/move", folder.ID), token, protocol.MoveFolderRequest{ParentID: neg}),
		"move file":     env.do(t, http.MethodPut, fmt.Sprintf("/api/files/%d/move", file.ID), token, protocol.MoveFileRequest{FolderID: neg}),
		"upload":        env.upload(t, token, "b.txt", "x", "-1"),
	}
	for name, resp := range responses {
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
		assert.Contains(t, decode[protocol.ErrorResponse](t, resp).Error, "must be a folder id", name)
	}
	assert.Equal(t, 1, env.blobCount(t))
}

func TestInvalidNameMessages(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "a@x.com")

	tests := []struct {
		name string
		want string
	}{
		{"   ", "must not be empty"},
		{strings.Repeat("n", 256), "exceeds 255 characters"},
		{"bad\x00name", "NUL"},
	}
	for _, tt := range tests {
		resp := env.do(t, http.MethodPost, "/api/folders", token, protocol.CreateFolderRequest{Name: tt.name})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body := decode[protocol.ErrorResponse](t, resp)
		assert.Contains(t, body.Error, tt.want)
		assert.Equal(t, http.StatusBadRequest, body.Code)
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)
	token := env.register(t, "a@x.com")

	preflight := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/api/data", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
		req.Header.Set("Access-Control-Request-Headers", "Authorization")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := preflight(appOrigin)
	assert.Contains(t, []int{http.StatusOK, http.StatusNoContent}, resp.StatusCode, "preflight needs no token")
	assert.Equal(t, appOrigin, resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, strings.ToLower(resp.Header.Get("Access-Control-Allow-Headers")), "authorization")

	resp = preflight("https://evil.example.com")
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/data", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", appOrigin)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, appOrigin, resp.Header.Get("Access-Control-Allow-Origin"))

	resp = env.do(t, http.MethodGet, "/api/data", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// cancelAwareBackend keeps objects in memory and refuses deletes whose
// context is already done, the way a network backend would.
type cancelAwareBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *cancelAwareBackend) GetObject(_ context.Context, key string) (io.ReadCloser, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, 0, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (b *cancelAwareBackend) PutObject(_ context.Context, key string, body io.Reader, _ int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.objects[key] = data
	b.mu.Unlock()
	return nil
}

func (b *cancelAwareBackend) DeleteObject(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.objects, key)
	b.mu.Unlock()
	return nil
}

func (b *cancelAwareBackend) Type() string { return "memory" }
func (b *cancelAwareBackend) Close() error { return nil }

func TestUploadCleanupOutlivesCanceledRequest(t *testing.T) {
	backend := &cancelAwareBackend{objects: make(map[string][]byte)}
	store := memory.New()
	blobs := blob.New(backend)
	srv := NewServer(Deps{Tree: hierarchy.New(store, blobs), Blobs: blobs})

	user, err := store.CreateUser(context.Background(), "a@x.com", "hash")
	require.NoError(t, err)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "a.txt")
	require.NoError(t, err)
	_, err = io.WriteString(part, "orphan")
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("folderId", "9999"))
	require.NoError(t, mw.Close())

	ctx, cancel := context.WithCancel(gateway.WithIdentity(context.Background(), &models.Identity{UserID: user.ID}))
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/files", &buf).WithContext(ctx)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()

	srv.handleUpload(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, backend.objects, "blob of the rejected upload must be removed")
}

func TestDetectMimeType(t *testing.T) {
	assert.Equal(t, "image/png", detectMimeType("image/png", "x.bin"))
	assert.Equal(t, "image/png", detectMimeType("application/octet-stream", "x.png"))
	assert.Equal(t, "text/plain; charset=utf-8", detectMimeType("", "notes.txt"))
	assert.Equal(t, "application/octet-stream", detectMimeType("", "noext"))
}
