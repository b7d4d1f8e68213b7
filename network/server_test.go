package network

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kr5hn4/tranzit/events"
	"github.com/kr5hn4/tranzit/models"
	"github.com/kr5hn4/tranzit/storage"
)

func TestAssistedDiscoveryForwardsDescriptor(t *testing.T) {
	sink := &recordingSink{}
	_, port := startTestServer(t, Config{Sink: sink})

	self := models.Peer{
		Name:        "laptop",
		IP:          "192.168.1.20",
		Port:        21212,
		Hostname:    "laptop",
		ServiceType: "_localdrop._tcp.local.",
		OS:          "Linux Fedora 40",
	}

	client := NewClient(quietLog())
	reply, err := client.AssistedAnnounce(context.Background(), "127.0.0.1", port, self)
	require.NoError(t, err)
	assert.Equal(t, `"Device info received"`, reply)

	got := sink.named(events.AssistedDiscovery)
	require.Len(t, got, 1)
	assert.Equal(t, self, got[0])
}

func TestTransferRequestReturnsDecision(t *testing.T) {
	sink := &recordingSink{}
	store := newTestStore(t)
	server, port := startTestServer(t, Config{Sink: sink, Store: store})

	files := []models.FileInfo{{Name: "a.txt", Size: 100}, {Name: "b.txt", Size: 200}}
	device := models.DeviceInfo{Hostname: "sender", OSType: "Linux"}

	type result struct {
		raw json.RawMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := NewClient(quietLog()).RequestTransfer(context.Background(), "127.0.0.1", port, files, device)
		done <- result{raw: raw, err: err}
	}()

	waitForCondition(t, 5*time.Second, func() bool {
		return len(sink.named(events.FileTransferRequest)) == 1
	})
	notification := sink.named(events.FileTransferRequest)[0].(models.TransferRequestNotification)
	requestID := notification.ID
	assert.Equal(t, files, notification.Data.FilesInfo)
	assert.Equal(t, "127.0.0.1", notification.Data.ReceiverInfo)
	assert.Equal(t, []string{requestID}, server.PendingRequests())
	require.True(t, server.RespondToRequest(requestID, `{"accepted":true}`))

	res := <-done
	require.NoError(t, res.err)
	raw := res.raw

	var body string
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, `{"accepted":true}`, body)

	decision, err := ParseDecision(raw)
	require.NoError(t, err)
	assert.True(t, decision.Accepted)

	assert.Empty(t, server.PendingRequests())
	assert.False(t, server.RespondToRequest(requestID, `{"accepted":false}`))

	record, err := store.GetTransferRequest(requestID)
	require.NoError(t, err)
	assert.Equal(t, storage.TransferStatusAnswered, record.Status)
	assert.Equal(t, 2, record.FileCount)
	assert.EqualValues(t, 300, record.TotalSize)
	require.NotNil(t, record.Decision)
	assert.Equal(t, `{"accepted":true}`, *record.Decision)
}

func TestTransferRequestTimesOutWithServerError(t *testing.T) {
	sink := &recordingSink{}
	store := newTestStore(t)
	server, port := startTestServer(t, Config{
		Sink:           sink,
		Store:          store,
		RequestTimeout: 100 * time.Millisecond,
	})

	client := NewClient(quietLog())
	_, err := client.RequestTransfer(context.Background(), "127.0.0.1", port,
		[]models.FileInfo{{Name: "a.txt", Size: 100}, {Name: "b.txt", Size: 200}},
		models.DeviceInfo{Hostname: "sender", OSType: "Linux"})
	require.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.Contains(t, err.Error(), "500")

	notifications := sink.named(events.FileTransferRequest)
	require.Len(t, notifications, 1)
	id := notifications[0].(models.TransferRequestNotification).ID

	assert.Empty(t, server.PendingRequests())
	assert.False(t, server.RespondToRequest(id, `{"accepted":true}`))

	record, err := store.GetTransferRequest(id)
	require.NoError(t, err)
	assert.Equal(t, storage.TransferStatusTimedOut, record.Status)
	assert.Nil(t, record.Decision)
}

func TestUploadStoresFilesWithCollisionFreeNames(t *testing.T) {
	root := t.TempDir()
	backend, err := storage.NewDirBackend(root)
	require.NoError(t, err)
	store := newTestStore(t)
	_, port := startTestServer(t, Config{Backend: backend, Store: store})

	sink := &recordingSink{}
	uploader := NewUploader(UploaderConfig{Sink: sink, Log: quietLog()})
	source := writeTempFile(t, "a.txt", []byte("hello world"))

	require.NoError(t, uploader.Upload([]models.UploadFile{{LocalPath: source, UUID: "u-1", DisplayName: "a.txt"}}, "127.0.0.1", port))
	uploader.Wait()
	require.NoError(t, uploader.Upload([]models.UploadFile{{LocalPath: source, UUID: "u-2", DisplayName: "a.txt"}}, "127.0.0.1", port))
	uploader.Wait()

	for _, name := range []string{"a.txt", "a (1).txt"} {
		contents, err := os.ReadFile(filepath.Join(root, name))
		require.NoError(t, err, name)
		assert.Equal(t, "hello world", string(contents))
	}

	progress := sink.named(events.UploadProgress)
	require.NotEmpty(t, progress)
	final := map[string]int{}
	for _, payload := range progress {
		p := payload.(models.UploadProgress)
		assert.Equal(t, "a.txt", p.Filename)
		assert.GreaterOrEqual(t, p.Percent, final[p.UUID])
		final[p.UUID] = p.Percent
	}
	assert.Equal(t, map[string]int{"u-1": 100, "u-2": 100}, final)

	received, err := store.ListReceivedFiles(0)
	require.NoError(t, err)
	require.Len(t, received, 2)
	for _, file := range received {
		assert.Equal(t, "a.txt", file.OriginalName)
		assert.EqualValues(t, 11, file.Size)
		assert.Equal(t, storage.BackendDir, file.Backend)
	}
}

func TestUploadSanitisesTraversalNames(t *testing.T) {
	root := t.TempDir()
	backend, err := storage.NewDirBackend(root)
	require.NoError(t, err)
	_, port := startTestServer(t, Config{Backend: backend})

	uploader := NewUploader(UploaderConfig{Log: quietLog()})
	source := writeTempFile(t, "payload.bin", []byte("data"))

	err = uploader.UploadFile(context.Background(),
		models.UploadFile{LocalPath: source, UUID: "u", DisplayName: "../../escape.sh"},
		Endpoint("127.0.0.1", port, RouteUpload))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "escape.sh"))
	assert.NoError(t, err)
}

func TestUploadIntoBlobBackend(t *testing.T) {
	store := newTestStore(t)
	backend := storage.NewBlobBackend(store)
	_, port := startTestServer(t, Config{Backend: backend, Store: store})

	uploader := NewUploader(UploaderConfig{Log: quietLog()})
	source := writeTempFile(t, "notes.txt", []byte("blob contents"))

	err := uploader.UploadFile(context.Background(),
		models.UploadFile{LocalPath: source, UUID: "u", DisplayName: "notes.txt"},
		Endpoint("127.0.0.1", port, RouteUpload))
	require.NoError(t, err)

	data, _, err := backend.ReadBlob("notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "blob contents", string(data))
}

func TestUploadRejectsDeclaredOversizedBody(t *testing.T) {
	root := t.TempDir()
	backend, err := storage.NewDirBackend(root)
	require.NoError(t, err)
	_, port := startTestServer(t, Config{Backend: backend, MaxUploadSize: 1024})

	body, contentType := multipartBody(t, "big.bin", bytes.Repeat([]byte("x"), 4096))
	req, err := http.NewRequest(http.MethodPost, Endpoint("127.0.0.1", port, RouteUpload), bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)

	resp, err := NewClient(quietLog()).http.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assertEmptyDir(t, root)
}

func TestUploadRejectsStreamedOversizedBody(t *testing.T) {
	root := t.TempDir()
	backend, err := storage.NewDirBackend(root)
	require.NoError(t, err)
	_, port := startTestServer(t, Config{Backend: backend, MaxUploadSize: 1024})

	body, contentType := multipartBody(t, "big.bin", bytes.Repeat([]byte("x"), 8192))
	// A plain io.Reader hides the length, so the body is sent chunked.
	req, err := http.NewRequest(http.MethodPost, Endpoint("127.0.0.1", port, RouteUpload), io.MultiReader(bytes.NewReader(body)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	require.EqualValues(t, 0, req.ContentLength)

	resp, err := NewClient(quietLog()).http.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assertEmptyDir(t, root)
}

func TestUploadRejectsNonMultipartBody(t *testing.T) {
	_, port := startTestServer(t, Config{})

	req, err := http.NewRequest(http.MethodPost, Endpoint("127.0.0.1", port, RouteUpload), bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := NewClient(quietLog()).http.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestRoutingRejections(t *testing.T) {
	_, port := startTestServer(t, Config{})
	client := NewClient(quietLog()).http

	resp, err := client.Get(Endpoint("127.0.0.1", port, "/nowhere"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = client.Get(Endpoint("127.0.0.1", port, RouteUpload))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	req, err := http.NewRequest(http.MethodOptions, Endpoint("127.0.0.1", port, RouteFileTransferRequest), nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:1420")
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestNewServerCertificateFailureIsCryptoError(t *testing.T) {
	notADir := writeTempFile(t, "occupied", []byte("x"))
	backend, err := storage.NewDirBackend(t.TempDir())
	require.NoError(t, err)

	_, err = NewServer(Config{Backend: backend, CertDir: notADir, Log: quietLog()})
	require.Error(t, err)
	assert.Equal(t, KindCrypto, KindOf(err))
}

func TestServerReusesScratchCertificate(t *testing.T) {
	certDir := t.TempDir()
	backend, err := storage.NewDirBackend(t.TempDir())
	require.NoError(t, err)

	first, err := NewServer(Config{Backend: backend, CertDir: certDir, Log: quietLog()})
	require.NoError(t, err)
	second, err := NewServer(Config{Backend: backend, CertDir: certDir, Log: quietLog()})
	require.NoError(t, err)

	assert.Equal(t, first.Certificate().CertPEM, second.Certificate().CertPEM)
}

func TestParseDecisionForms(t *testing.T) {
	decision, err := ParseDecision(json.RawMessage(`"{\"accepted\":true,\"message\":\"ok\"}"`))
	require.NoError(t, err)
	assert.Equal(t, models.Decision{Accepted: true, Message: "ok"}, decision)

	decision, err = ParseDecision(json.RawMessage(`{"accepted":false}`))
	require.NoError(t, err)
	assert.False(t, decision.Accepted)

	decision, err = ParseDecision(json.RawMessage(`"accept"`))
	require.NoError(t, err)
	assert.True(t, decision.Accepted)

	_, err = ParseDecision(json.RawMessage(`"maybe later"`))
	assert.Error(t, err)
}

func multipartBody(t *testing.T, filename string, contents []byte) ([]byte, string) {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile(UploadFieldName, filename)
	require.NoError(t, err)
	_, err = part.Write(contents)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return buf.Bytes(), writer.FormDataContentType()
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
