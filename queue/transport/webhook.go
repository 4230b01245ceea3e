// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

package transport

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/zeebo/errs"
)

// Error is the webhook transport's error class.
var Error = errs.Class("webhook transport")

// Webhook is the default transport from spec §4.6: a signed HTTPS POST to a
// configured endpoint. The signature covers the raw JSON body and is
// verified by receivers with VerifySignature below, supporting a
// current+next key pair during rotation (spec §4.13's signature scheme,
// reused here for symmetry).
type Webhook struct {
	endpoint   string
	signingKey string
	client     *http.Client
}

// NewWebhook returns a Webhook transport posting to endpoint.
func NewWebhook(endpoint, signingKey string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{endpoint: endpoint, signingKey: signingKey, client: client}
}

type webhookEnvelope struct {
	Topic   string            `json:"topic"`
	Payload []byte            `json:"payload"`
	Meta    map[string]string `json:"_meta"`
}

func (w *Webhook) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(webhookEnvelope{Topic: msg.Topic, Payload: msg.Payload, Meta: msg.Meta})
	if err != nil {
		return Error.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", Sign(w.signingKey, body))

	resp, err := w.client.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return Error.New("webhook endpoint returned status %s", resp.Status)
	}
	return nil
}

func (w *Webhook) Close() error {
	w.client.CloseIdleConnections()
	return nil
}

// Sign computes the hex-encoded HMAC-SHA256 of body under key.
func Sign(key string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against body under either currentKey or
// nextKey, supporting the in-flight rotation window from spec §4.13.
func VerifySignature(currentKey, nextKey string, body []byte, signature string) bool {
	if hmac.Equal([]byte(Sign(currentKey, body)), []byte(signature)) {
		return true
	}
	if nextKey != "" && hmac.Equal([]byte(Sign(nextKey, body)), []byte(signature)) {
		return true
	}
	return false
}
