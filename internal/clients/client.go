// Package clients holds the HTTP collaborators of the order service.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/ariefcatur/go-order-saga/internal/telemetry"
)

const (
	HeaderInternalCall = "X-Internal-Call"
	HeaderUserID       = "X-User-Id"
)

// errorBody is the error shape every service in the system writes.
type errorBody struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type base struct {
	url  string
	http *http.Client
}

func newBase(baseURL string, timeout time.Duration) base {
	return base{
		url:  strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// do sends body as JSON and decodes a 2xx response into out. Non-2xx
// responses are rebuilt into apperr errors from their status and code.
func (b base) do(ctx context.Context, method, path string, headers http.Header, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.url+path, rd)
	if err != nil {
		return err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	telemetry.InjectHTTP(ctx, req.Header)

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(method, path, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(method, path string, resp *http.Response) error {
	var eb errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
	msg := eb.Message
	if msg == "" {
		msg = fmt.Sprintf("%s %s returned status %d", method, path, resp.StatusCode)
	}

	var kind apperr.Kind
	switch {
	case resp.StatusCode == http.StatusNotFound:
		kind = apperr.KindNotFound
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		kind = apperr.KindForbidden
	case resp.StatusCode == http.StatusBadRequest && eb.Code == "validation":
		kind = apperr.KindValidation
	case resp.StatusCode == http.StatusBadRequest:
		kind = apperr.KindBusinessRule
	default:
		return apperr.Unexpected(fmt.Errorf("status %d: %s", resp.StatusCode, msg), "%s %s failed", method, path)
	}
	if eb.Code == "" {
		eb.Code = kind.String()
	}
	return apperr.FromCode(kind, eb.Code, msg)
}
