// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package loadbalancer

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Router builds the gorilla/mux router fronting every inbound webhook
// delivery (spec §4.13): a single catch-all route that verifies the
// signature, discovers instances, and forwards.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.PathPrefix("/").HandlerFunc(s.serveHTTP)
	return r
}

func (s *Server) serveHTTP(rw http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}

	signature := req.Header.Get("Signature")
	timestamp := req.Header.Get("Timestamp")
	forwardedFor := req.RemoteAddr
	if existing := req.Header.Get("X-Forwarded-For"); existing != "" {
		forwardedFor = existing
	}

	status, respBody, err := s.HandleInbound(req.Context(), signature, timestamp, body, req.URL.Path, forwardedFor, req.Host)
	if err != nil {
		s.log.Warn("inbound request failed", zap.Error(err))
	}
	if status == 0 {
		status = http.StatusInternalServerError
	}
	rw.WriteHeader(status)
	_, _ = rw.Write(respBody)
}
