package network

import (
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/kr5hn4/tranzit/events"
	"github.com/kr5hn4/tranzit/metrics"
	"github.com/kr5hn4/tranzit/models"
	"github.com/kr5hn4/tranzit/storage"
)

func (s *Server) handleAssistedDiscovery(w http.ResponseWriter, r *http.Request) {
	var peer models.Peer
	if err := decodeJSONBody(r, &peer); err != nil {
		s.cfg.Log.WithError(err).Debug("malformed assisted discovery body")
		writeRejection(w, http.StatusInternalServerError)
		return
	}

	s.cfg.Log.WithFields(logrus.Fields{
		"peer_ip":   peer.IP,
		"peer_port": peer.Port,
		"hostname":  peer.Hostname,
	}).Debug("assisted discovery received")
	s.cfg.Sink.Emit(events.AssistedDiscovery, peer)

	writeJSON(w, http.StatusOK, assistedDiscoveryReply)
}

func (s *Server) handleFileTransferRequest(w http.ResponseWriter, r *http.Request) {
	var request models.TransferRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.cfg.Log.WithError(err).Debug("malformed transfer request body")
		writeRejection(w, http.StatusInternalServerError)
		return
	}

	pending := s.broker.Register()
	s.cfg.Metrics.SetPendingRequests(s.broker.Len())

	log := s.cfg.Log.WithFields(logrus.Fields{
		"request_id": pending.ID,
		"sender":     request.DeviceInfo.Hostname,
		"files":      len(request.FilesInfo),
	})
	log.Info("transfer request received")

	s.recordRequest(pending.ID, request, log)
	s.cfg.Sink.Emit(events.FileTransferRequest, models.TransferRequestNotification{
		ID:   pending.ID,
		Data: request,
	})

	decision, err := s.broker.Wait(r.Context(), pending)
	s.cfg.Metrics.SetPendingRequests(s.broker.Len())
	if err != nil {
		if errors.Is(err, ErrRequestTimeout) {
			log.Info("transfer request timed out")
		} else {
			log.WithError(err).Debug("transfer request abandoned")
		}
		s.cfg.Metrics.ObserveTransferDecision(metrics.OutcomeTimedOut)
		s.resolveRequest(pending.ID, storage.TransferStatusTimedOut, nil, log)
		writeRejection(w, http.StatusInternalServerError)
		return
	}

	log.Info("transfer request answered")
	s.cfg.Metrics.ObserveTransferDecision(metrics.OutcomeAnswered)
	s.resolveRequest(pending.ID, storage.TransferStatusAnswered, &decision, log)
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) recordRequest(id string, request models.TransferRequest, log *logrus.Entry) {
	if s.cfg.Store == nil {
		return
	}
	err := s.cfg.Store.RecordTransferRequest(storage.TransferRecord{
		RequestID:      id,
		SenderHostname: request.DeviceInfo.Hostname,
		SenderOS:       request.DeviceInfo.OSType,
		FileCount:      len(request.FilesInfo),
		TotalSize:      request.TotalSize(),
	})
	if err != nil {
		log.WithError(err).Warn("record transfer request failed")
	}
}

func (s *Server) resolveRequest(id, status string, decision *string, log *logrus.Entry) {
	if s.cfg.Store == nil {
		return
	}
	if err := s.cfg.Store.ResolveTransferRequest(id, status, decision); err != nil {
		log.WithError(err).Warn("resolve transfer request failed")
	}
}
