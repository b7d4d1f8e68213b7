package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/kr5hn4/tranzit/events"
	"github.com/kr5hn4/tranzit/metrics"
	"github.com/kr5hn4/tranzit/models"
	"github.com/kr5hn4/tranzit/storage"
)

// UploadFieldName is the multipart field carrying file contents.
const UploadFieldName = "file"

// Percent returns uploaded/total as a rounded percentage in [0, 100].
// 100 is only returned once uploaded reaches total.
func Percent(uploaded, total int64) int {
	if total <= 0 || uploaded >= total {
		return 100
	}
	if uploaded <= 0 {
		return 0
	}
	percent := int(math.Round(float64(uploaded) / float64(total) * 100))
	if percent >= 100 {
		return 99
	}
	return percent
}

// ProgressReader reports read progress against a known total.
// The callback fires whenever the rounded percentage changes. 100 is reported
// once, when the underlying reader hits EOF having produced exactly total
// bytes; a stream that runs past total stays at 99.
type ProgressReader struct {
	reader     io.Reader
	total      int64
	uploaded   atomic.Int64
	last       int
	onProgress func(uploaded int64, percent int)
}

// NewProgressReader wraps r. total is the expected byte count.
func NewProgressReader(r io.Reader, total int64, onProgress func(uploaded int64, percent int)) *ProgressReader {
	return &ProgressReader{
		reader:     r,
		total:      total,
		last:       -1,
		onProgress: onProgress,
	}
}

// Uploaded returns the number of bytes read so far.
func (p *ProgressReader) Uploaded() int64 {
	return p.uploaded.Load()
}

func (p *ProgressReader) Read(b []byte) (int, error) {
	n, err := p.reader.Read(b)
	uploaded := p.uploaded.Load()
	if n > 0 {
		uploaded = p.uploaded.Add(int64(n))
		percent := Percent(uploaded, p.total)
		if percent == 100 {
			percent = 99
		}
		p.report(uploaded, percent)
	}
	if errors.Is(err, io.EOF) && uploaded == p.total {
		p.report(uploaded, 100)
	}
	return n, err
}

func (p *ProgressReader) report(uploaded int64, percent int) {
	if percent == p.last {
		return
	}
	p.last = percent
	if p.onProgress != nil {
		p.onProgress(uploaded, percent)
	}
}

// UploaderConfig wires the sender side of the data plane.
type UploaderConfig struct {
	Client  *Client
	Sink    events.Sink
	Metrics *metrics.Metrics
	Log     *logrus.Entry
}

// Uploader streams local files to a peer's upload route, one goroutine per file.
type Uploader struct {
	client  *Client
	sink    events.Sink
	metrics *metrics.Metrics
	log     *logrus.Entry

	wg sync.WaitGroup
}

// NewUploader creates an uploader. A nil client gets NewClient.
func NewUploader(cfg UploaderConfig) *Uploader {
	if cfg.Log == nil {
		cfg.Log = logrus.WithField("component", "upload")
	}
	if cfg.Client == nil {
		cfg.Client = NewClient(cfg.Log)
	}
	if cfg.Sink == nil {
		cfg.Sink = events.Discard
	}
	return &Uploader{
		client:  cfg.Client,
		sink:    cfg.Sink,
		metrics: cfg.Metrics,
		log:     cfg.Log,
	}
}

// Upload starts one independent upload per file and returns once all are
// enqueued. Transfer failures are logged and never returned; a file that
// fails simply stops emitting progress.
func (u *Uploader) Upload(files []models.UploadFile, peerIP string, peerPort int) error {
	if net.ParseIP(peerIP) == nil {
		return fmt.Errorf("upload: invalid peer IP %q", peerIP)
	}
	if peerPort <= 0 || peerPort > 65535 {
		return fmt.Errorf("upload: invalid peer port %d", peerPort)
	}
	for _, file := range files {
		if file.LocalPath == "" {
			return errors.New("upload: file path is required")
		}
	}

	url := Endpoint(peerIP, peerPort, RouteUpload)
	for _, file := range files {
		file := file
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			if err := u.UploadFile(context.Background(), file, url); err != nil {
				u.log.WithError(err).WithFields(logrus.Fields{
					"path": file.LocalPath,
					"uuid": file.UUID,
				}).Warn("upload failed")
			}
		}()
	}
	return nil
}

// Wait blocks until every started upload has finished.
func (u *Uploader) Wait() {
	u.wg.Wait()
}

// UploadFile streams one file to url as a single multipart part, emitting
// upload-progress events as bytes leave.
func (u *Uploader) UploadFile(ctx context.Context, file models.UploadFile, url string) (err error) {
	defer func() {
		u.metrics.ObserveUploadFile(metrics.DirectionSent, err == nil)
	}()

	f, err := os.Open(file.LocalPath)
	if err != nil {
		return wrapError(KindStorage, "open "+file.LocalPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return wrapError(KindStorage, "stat "+file.LocalPath, err)
	}
	if !info.Mode().IsRegular() {
		return wrapError(KindStorage, "open "+file.LocalPath, errors.New("not a regular file"))
	}
	total := info.Size()

	name := file.DisplayName
	if name == "" {
		name = filepath.Base(file.LocalPath)
	}

	mimeType, err := sniffFile(f, name)
	if err != nil {
		return wrapError(KindStorage, "read "+file.LocalPath, err)
	}

	prefix, suffix, contentType, err := multipartEnvelope(name, mimeType)
	if err != nil {
		return wrapError(KindProtocol, "encode multipart", err)
	}

	progress := NewProgressReader(io.LimitReader(f, total), total, func(_ int64, percent int) {
		u.sink.Emit(events.UploadProgress, models.UploadProgress{
			Filename: name,
			Percent:  percent,
			UUID:     file.UUID,
		})
	})
	body := io.MultiReader(bytes.NewReader(prefix), progress, bytes.NewReader(suffix))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return wrapError(KindProtocol, "build request", err)
	}
	req.ContentLength = int64(len(prefix)) + total + int64(len(suffix))
	req.Header.Set("Content-Type", contentType)

	log := u.log.WithFields(logrus.Fields{
		"name": name,
		"uuid": file.UUID,
		"size": total,
	})
	log.Debug("upload started")

	resp, err := u.client.http.Do(req)
	u.metrics.AddUploadBytes(metrics.DirectionSent, progress.Uploaded())
	if err != nil {
		return wrapError(KindNetwork, "post "+url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxReplyBodySize))

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return wrapError(KindNetwork, "post "+url, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode))
	}
	log.Info("upload finished")
	return nil
}

func sniffFile(f *os.File, name string) (string, error) {
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return storage.DetectMimeType(name, head[:n]), nil
}

// multipartEnvelope renders the bytes around a single file part so the body
// length is known before streaming.
func multipartEnvelope(filename, mimeType string) (prefix, suffix []byte, contentType string, err error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	disposition := mime.FormatMediaType("form-data", map[string]string{
		"name":     UploadFieldName,
		"filename": filename,
	})
	if disposition == "" {
		return nil, nil, "", fmt.Errorf("cannot encode filename %q", filename)
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", disposition)
	header.Set("Content-Type", mimeType)
	if _, err := writer.CreatePart(header); err != nil {
		return nil, nil, "", err
	}
	prefix = append([]byte(nil), buf.Bytes()...)
	buf.Reset()

	if err := writer.Close(); err != nil {
		return nil, nil, "", err
	}
	suffix = append([]byte(nil), buf.Bytes()...)
	return prefix, suffix, writer.FormDataContentType(), nil
}
