package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkvault/inkvault/internal/blob"
	"github.com/inkvault/inkvault/internal/protocol"
	"github.com/inkvault/inkvault/internal/quota"
	"github.com/inkvault/inkvault/internal/signer"
	"github.com/inkvault/inkvault/internal/store"
	"github.com/inkvault/inkvault/internal/upload"
	"github.com/inkvault/inkvault/internal/vfs"
)

const testUser int64 = 1

func newTestStack(t *testing.T) (*protocol.Handler, *httptest.Server) {
	t.Helper()

	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)

	quotas := quota.NewTracker(db, 0)
	tree := vfs.New(db, blobs)
	nonces := signer.NewNonceRegistry(db)
	urls := signer.New([]byte("transfer-test-secret"), time.Minute, nonces)

	uploads, err := upload.NewManager(t.TempDir(), tree, blobs, quotas, time.Minute, 1<<20)
	require.NoError(t, err)

	h := protocol.NewHandler(protocol.Config{
		BaseURL:     "http://unused.invalid",
		SyncLockTTL: time.Minute,
	}, tree, uploads, urls, quotas, blobs, protocol.NopSink{})

	mux := http.NewServeMux()
	mux.Handle("/transfer/", newTransferServer(h, 1<<20))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	_, err = h.SyncStart(context.Background(), testUser, protocol.SyncStartRequest{EquipmentNo: "SN100-A"})
	require.NoError(t, err)
	return h, srv
}

// rebase points a signed URL at the test server, keeping path and query.
func rebase(t *testing.T, srv *httptest.Server, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return srv.URL + u.RequestURI()
}

func putChunk(t *testing.T, rawURL string, offset int64, data []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, rawURL, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("X-Chunk-Offset", strconv.FormatInt(offset, 10))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp
}

func TestTransferUploadAndDownload(t *testing.T) {
	h, srv := newTestStack(t)
	ctx := context.Background()

	content := []byte("chunked upload over http, both halves")
	apply, err := h.UploadApply(ctx, testUser, protocol.UploadApplyRequest{
		DirectoryPath: "/NOTE/Note", FileName: "pages.note", Size: int64(len(content)),
	})
	require.NoError(t, err)

	signed := rebase(t, srv, apply.UploadURL)

	// First chunk rides the signed URL; the second needs only the session.
	resp := putChunk(t, signed, 0, content[:20])
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	bare := srv.URL + "/transfer/" + apply.SessionID
	resp = putChunk(t, bare, 20, content[20:])
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	entry, err := h.UploadFinish(ctx, testUser, protocol.UploadFinishRequest{
		SessionID: apply.SessionID, MD5: blob.ContentHash(content),
	})
	require.NoError(t, err)

	dl, err := h.DownloadApply(ctx, testUser, protocol.DownloadApplyRequest{ID: entry.ID})
	require.NoError(t, err)

	getResp, err := http.Get(rebase(t, srv, dl.URL))
	require.NoError(t, err)
	defer func() { _ = getResp.Body.Close() }()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	got, err := io.ReadAll(getResp.Body)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, `attachment; filename="pages.note"`, getResp.Header.Get("Content-Disposition"))

	// The download URL was consumed by the first GET.
	again, err := http.Get(rebase(t, srv, dl.URL))
	require.NoError(t, err)
	_ = again.Body.Close()
	assert.Equal(t, http.StatusForbidden, again.StatusCode)
}

func TestTransferRejectsUnopenedSession(t *testing.T) {
	h, srv := newTestStack(t)

	apply, err := h.UploadApply(context.Background(), testUser, protocol.UploadApplyRequest{
		DirectoryPath: "/Inbox", FileName: "doc.pdf", Size: 8,
	})
	require.NoError(t, err)

	// No token, never opened.
	resp := putChunk(t, srv.URL+"/transfer/"+apply.SessionID, 0, []byte("12345678"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTransferSessionStateEndsWithSession(t *testing.T) {
	h, srv := newTestStack(t)
	ctx := context.Background()

	content := []byte("short note")
	apply, err := h.UploadApply(ctx, testUser, protocol.UploadApplyRequest{
		DirectoryPath: "/NOTE/Note", FileName: "brief.note", Size: int64(len(content)),
	})
	require.NoError(t, err)

	resp := putChunk(t, rebase(t, srv, apply.UploadURL), 0, content)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, h.UploadOpened(apply.SessionID))

	_, err = h.UploadFinish(ctx, testUser, protocol.UploadFinishRequest{SessionID: apply.SessionID})
	require.NoError(t, err)

	// The redeemed mark went away with the session; a tokenless PUT against
	// the stale id is denied, not treated as an open transfer.
	assert.False(t, h.UploadOpened(apply.SessionID))
	resp = putChunk(t, srv.URL+"/transfer/"+apply.SessionID, 0, []byte("late"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTransferChunkValidation(t *testing.T) {
	h, srv := newTestStack(t)

	apply, err := h.UploadApply(context.Background(), testUser, protocol.UploadApplyRequest{
		DirectoryPath: "/Inbox", FileName: "doc.pdf", Size: 4,
	})
	require.NoError(t, err)
	signed := rebase(t, srv, apply.UploadURL)

	// Missing offset header.
	req, err := http.NewRequest(http.MethodPut, signed, bytes.NewReader([]byte("ab")))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Past the declared size. The signed URL was redeemed above, so the bare
	// session URL works now.
	resp = putChunk(t, srv.URL+"/transfer/"+apply.SessionID, 10, []byte("overflow"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
