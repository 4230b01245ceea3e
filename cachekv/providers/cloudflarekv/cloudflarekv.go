// Copyright (C) 2026 Driftworks, Inc.
// See LICENSE for copying information.

// Package cloudflarekv implements the primary L2 provider adapter (spec
// §4.2): a cloud KV store accessed over signed HTTPS. No third-party REST-KV
// client for this API family exists in the retrieved corpus, so the
// transport is built directly on net/http, with a request signer following
// the HMAC convention used for the load-balancer webhook (spec §6).
package cloudflarekv

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/errs"

	"github.com/driftworks/relaymesh/cachekv"
	"github.com/driftworks/relaymesh/relayerr"
)

// Error is the error class for this adapter.
var Error = errs.Class("cloudflarekv")

// Provider is a signed-HTTPS cloud KV adapter.
type Provider struct {
	baseURL    string
	namespace  string
	signingKey string
	client     *http.Client
}

// New returns a Provider pointed at baseURL (e.g. an account/namespace REST
// endpoint), authenticating every request with an HMAC-SHA256 signature
// computed from signingKey.
func New(baseURL, namespace, signingKey string, client *http.Client) *Provider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Provider{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		namespace:  namespace,
		signingKey: signingKey,
		client:     client,
	}
}

func (p *Provider) Name() string { return "Cloudflare KV" }

func (p *Provider) sign(method, path string, body []byte, ts int64) string {
	mac := hmac.New(sha256.New, []byte(p.signingKey))
	fmt.Fprintf(mac, "%s.%s.%d.", method, path, ts)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (p *Provider) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	u := p.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return nil, Error.Wrap(err)
	}

	ts := time.Now().Unix()
	req.Header.Set("X-Signature", p.sign(method, path, body, ts))
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, relayerr.Network.Wrap(err)
	}
	return resp, nil
}

func keyPath(namespace, key string) string {
	return "/namespaces/" + url.PathEscape(namespace) + "/values/" + url.PathEscape(key)
}

func (p *Provider) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := p.do(ctx, http.MethodGet, keyPath(p.namespace, key), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		return data, nil
	case http.StatusNotFound:
		return nil, cachekv.ErrNotFound
	default:
		return nil, classifyStatus(resp)
	}
}

type setRequest struct {
	Value             []byte `json:"value"`
	ExpirationTTL     int64  `json:"expiration_ttl,omitempty"`
}

func (p *Provider) Set(ctx context.Context, key string, value []byte, ttlSeconds int64) error {
	body, err := json.Marshal(setRequest{Value: value, ExpirationTTL: ttlSeconds})
	if err != nil {
		return Error.Wrap(err)
	}

	resp, err := p.do(ctx, http.MethodPut, keyPath(p.namespace, key), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return classifyStatus(resp)
	}
	return nil
}

func (p *Provider) Delete(ctx context.Context, key string) error {
	resp, err := p.do(ctx, http.MethodDelete, keyPath(p.namespace, key), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusNotFound {
		return classifyStatus(resp)
	}
	return nil
}

type listResponse struct {
	Keys []struct {
		Name string `json:"name"`
	} `json:"keys"`
}

func (p *Provider) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	path := "/namespaces/" + url.PathEscape(p.namespace) + "/keys?prefix=" + url.QueryEscape(prefix)
	resp, err := p.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, classifyStatus(resp)
	}

	var parsed listResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, Error.Wrap(err)
	}

	names := make([]string, 0, len(parsed.Keys))
	for _, k := range parsed.Keys {
		names = append(names, k.Name)
	}
	return names, nil
}

func (p *Provider) Disconnect() error {
	p.client.CloseIdleConnections()
	return nil
}

func classifyStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	msg := fmt.Sprintf("%s: %s", resp.Status, string(body))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return relayerr.RateLimited.New("%s", msg)
	case http.StatusPaymentRequired, http.StatusForbidden:
		return relayerr.QuotaExhausted.New("%s", msg)
	case http.StatusUnauthorized:
		return relayerr.Auth.New("%s", msg)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return relayerr.Timeout.New("%s", msg)
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return relayerr.Network.New("%s", msg)
	default:
		return Error.New("%s", msg)
	}
}
