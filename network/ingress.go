package network

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kr5hn4/tranzit/metrics"
	"github.com/kr5hn4/tranzit/storage"
)

const copyBufferSize = 256 * 1024

// storedPart is one upload part persisted by the ingress.
type storedPart struct {
	OriginalName string
	StoredName   string
	Size         int64
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	log := s.cfg.Log.WithField("sender", r.RemoteAddr)

	if r.ContentLength > s.cfg.MaxUploadSize {
		log.WithField("content_length", r.ContentLength).Info("upload rejected: payload too large")
		writeRejection(w, http.StatusRequestEntityTooLarge)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)

	stored, err := s.ingest(r, log)
	if err != nil {
		if errors.Is(err, ErrPayloadTooLarge) {
			log.WithError(err).Info("upload rejected: payload too large")
			writeRejection(w, http.StatusRequestEntityTooLarge)
			return
		}
		log.WithError(err).Warn("upload failed")
		writeRejection(w, http.StatusInternalServerError)
		return
	}

	log.WithField("files", len(stored)).Info("upload stored")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(uploadReply))
}

// ingest streams every file part of r into the backend. Parts without a
// filename are skipped. Parts stored before a failure are kept.
func (s *Server) ingest(r *http.Request, log *logrus.Entry) ([]storedPart, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, wrapError(KindProtocol, "read multipart", err)
	}

	buf := make([]byte, copyBufferSize)
	var stored []storedPart
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return stored, nil
		}
		if err != nil {
			return stored, classifyBodyError("next part", err)
		}

		filename := part.FileName()
		if filename == "" {
			_ = part.Close()
			continue
		}

		result, err := s.storePart(part, filename, buf)
		_ = part.Close()
		s.cfg.Metrics.ObserveUploadFile(metrics.DirectionReceived, err == nil)
		if err != nil {
			return stored, err
		}

		log.WithFields(logrus.Fields{
			"name":   result.StoredName,
			"size":   result.Size,
			"source": result.OriginalName,
		}).Debug("upload part stored")
		s.recordReceived(result, r.RemoteAddr, log)
		stored = append(stored, result)
	}
}

func (s *Server) storePart(part io.Reader, filename string, buf []byte) (storedPart, error) {
	safeName := SanitizeFilename(filename)
	name, dst, err := createUnique(s.cfg.Backend, safeName)
	if err != nil {
		return storedPart{}, wrapError(KindStorage, "create destination", err)
	}

	written, copyErr := io.CopyBuffer(writerOnly{dst}, part, buf)
	s.cfg.Metrics.AddUploadBytes(metrics.DirectionReceived, written)
	closeErr := dst.Close()

	if copyErr != nil {
		_ = s.cfg.Backend.Remove(name)
		return storedPart{}, classifyCopyError(name, copyErr)
	}
	if closeErr != nil {
		_ = s.cfg.Backend.Remove(name)
		return storedPart{}, wrapError(KindStorage, "commit "+name, closeErr)
	}

	return storedPart{OriginalName: filename, StoredName: name, Size: written}, nil
}

func (s *Server) recordReceived(part storedPart, sender string, log *logrus.Entry) {
	if s.cfg.Store == nil {
		return
	}
	err := s.cfg.Store.RecordReceivedFile(storage.ReceivedFile{
		ID:            uuid.NewString(),
		StoredName:    part.StoredName,
		OriginalName:  part.OriginalName,
		Size:          part.Size,
		MimeType:      s.cfg.Backend.MimeType(part.StoredName),
		Backend:       s.cfg.Backend.Name(),
		SenderAddress: sender,
	})
	if err != nil {
		log.WithError(err).Warn("record received file failed")
	}
}

// classifyCopyError reports body size violations as protocol errors and
// anything else as a storage error.
func classifyCopyError(name string, err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return wrapError(KindProtocol, "stream "+name, fmt.Errorf("%w: limit %d bytes", ErrPayloadTooLarge, tooLarge.Limit))
	}
	return wrapError(KindStorage, "stream "+name, err)
}

func classifyBodyError(op string, err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return wrapError(KindProtocol, op, fmt.Errorf("%w: limit %d bytes", ErrPayloadTooLarge, tooLarge.Limit))
	}
	return wrapError(KindNetwork, op, err)
}

// writerOnly hides ReadFrom so CopyBuffer uses the supplied buffer.
type writerOnly struct {
	io.Writer
}
