package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tomoon_nexus/internal/shared/apperr"
	"tomoon_nexus/internal/shared/logger"
)

// APIClient 调用内核的 RESTful 控制接口。
type APIClient struct {
	baseURL string
	client  *http.Client
	// strict 为 true 时非 2xx 响应返回 Network 错误，否则只记录日志
	strict bool
	l      zerolog.Logger
}

func NewAPIClient(baseURL string, timeout time.Duration, strict bool) *APIClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		strict:  strict,
		l:       logger.WithComponent("ControlAPI"),
	}
}

// BaseURL 返回控制接口地址。
func (a *APIClient) BaseURL() string { return a.baseURL }

// ReloadConfig 让内核从 path 重新加载配置。
func (a *APIClient) ReloadConfig(ctx context.Context, path, secret string) error {
	body := map[string]string{"path": path, "payload": ""}
	return a.expectOK(ctx, http.MethodPut, "/configs?reload=true", body, secret)
}

// Restart 让内核自行重启。
func (a *APIClient) Restart(ctx context.Context, secret string) error {
	return a.expectOK(ctx, http.MethodPost, "/restart", map[string]string{"payload": ""}, secret)
}

// Version 查询内核版本，也用作存活探测。
func (a *APIClient) Version(ctx context.Context, secret string) (string, error) {
	resp, err := a.do(ctx, http.MethodGet, "/version", nil, secret)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", apperr.New(apperr.Network, "GET /version returned %d", resp.StatusCode)
	}
	var v struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", apperr.Wrap(apperr.Network, err, "decode /version")
	}
	return v.Version, nil
}

func (a *APIClient) expectOK(ctx context.Context, method, path string, body interface{}, secret string) error {
	resp, err := a.do(ctx, method, path, body, secret)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		a.l.Info().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("Control API call succeeded.")
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	a.l.Error().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Str("body", string(detail)).
		Msg("Control API returned an error status.")
	if a.strict {
		return apperr.New(apperr.Network, "%s %s returned %d", method, path, resp.StatusCode)
	}
	return nil
}

func (a *APIClient) do(ctx context.Context, method, path string, body interface{}, secret string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, apperr.Wrap(apperr.Inner, err, "encode request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, apperr.Wrap(apperr.Inner, err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Network, err, "%s %s", method, path)
	}
	return resp, nil
}
