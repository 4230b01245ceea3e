// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/driftworks/relaymesh/batch"
	"github.com/driftworks/relaymesh/consistentcache"
	"github.com/driftworks/relaymesh/dedup"
	"github.com/driftworks/relaymesh/relaytype"
	"github.com/driftworks/relaymesh/statesync"
)

// relayServices bundles the in-process services the HTTP surface exposes
// beyond the stream worker's own router.
type relayServices struct {
	consistentCache *consistentcache.Cache
	stateSync       *statesync.Synchronizer
	dedup           *dedup.Service
	batch           *batch.Service
}

func (s relayServices) registerRoutes(router *mux.Router) {
	router.HandleFunc("/api/v2/batches", s.createBatch).Methods(http.MethodPost)
	router.HandleFunc("/api/v2/batches/{id}", s.getBatch).Methods(http.MethodGet)
	router.HandleFunc("/api/v2/cache/{key}", s.getConsistentCache).Methods(http.MethodGet)
	router.HandleFunc("/api/v2/state/{userID}/{stateType}", s.subscribeState).Methods(http.MethodGet)
	router.HandleFunc("/api/v2/dedup/{taskID}", s.getDedupResult).Methods(http.MethodGet)
}

type createBatchRequest struct {
	Type  string        `json:"type"`
	Items []interface{} `json:"items"`
}

func (s relayServices) createBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.batch.CreateBatch(r.Context(), req.Type, req.Items, batch.CreateOptions{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": id})
}

func (s relayServices) getBatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	b, err := s.batch.OnBatchComplete(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s relayServices) getConsistentCache(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var value interface{}
	found, err := s.consistentCache.Get(r.Context(), key, &value)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

func (s relayServices) subscribeState(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	snapshot, err := s.stateSync.GetStateSnapshot(r.Context(), vars["userID"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	state, found := snapshot[vars["stateType"]]
	if !found {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s relayServices) getDedupResult(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskID"]
	record, result, err := s.dedup.GetTaskResult(r.Context(), taskID, 5*time.Second)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status relaytype.DedupStatus `json:"status"`
		Result interface{}           `json:"result,omitempty"`
		Error  string                `json:"error,omitempty"`
	}{
		Status: record.Status,
		Result: result,
		Error:  record.Error,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
