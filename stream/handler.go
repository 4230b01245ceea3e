// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package stream

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Router builds the gorilla/mux router for the worker's chunk ingress (spec
// §4.12): POST accepts a chunk, GET reports progress for the leader's
// getRemoteProgress.
func (w *Worker) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/v2/stream/{taskId}", w.serveChunk).Methods(http.MethodPost)
	r.HandleFunc("/api/v2/stream/{taskId}/progress", w.serveProgress).Methods(http.MethodGet)
	return r
}

func (w *Worker) serveChunk(rw http.ResponseWriter, req *http.Request) {
	taskID := mux.Vars(req)["taskId"]
	secret := req.Header.Get("x-instance-secret")
	meta := chunkMetaFromHeaders(req.Header)

	err := w.HandleIncomingChunk(req.Context(), secret, taskID, meta, req.Body)
	switch {
	case err == nil:
		rw.WriteHeader(http.StatusOK)
	case err == ErrInvalidInstanceSecret:
		rw.WriteHeader(http.StatusUnauthorized)
	default:
		w.log.Error("stream chunk handling failed", zap.String("task_id", taskID), zap.Error(err))
		rw.WriteHeader(http.StatusInternalServerError)
	}
}

func (w *Worker) serveProgress(rw http.ResponseWriter, req *http.Request) {
	taskID := mux.Vars(req)["taskId"]

	sess, ok := w.Session(taskID)
	if !ok {
		rw.WriteHeader(http.StatusNotFound)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(struct {
		LastChunkIndex int64 `json:"lastChunkIndex"`
		UploadedBytes  int64 `json:"uploadedBytes"`
	}{
		LastChunkIndex: sess.ChunkIndexWatermark,
		UploadedBytes:  sess.UploadedBytes,
	})
}
