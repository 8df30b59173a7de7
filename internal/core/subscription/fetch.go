package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"tomoon_nexus/internal/shared/apperr"
)

const (
	localScheme  = "file://"
	maxBodyBytes = 32 << 20
)

// Fetched 是一次下载的结果。Name 为来源给出的文件名提示，可能为空。
type Fetched struct {
	Content []byte
	Name    string
	Local   bool
}

// FetcherOptions 配置远程下载。
type FetcherOptions struct {
	UserAgent string
	Timeout   time.Duration
	// SocksProxy 非空时所有远程请求经由该 SOCKS5 代理 (host:port)
	SocksProxy string
}

// Fetcher 负责从本地文件或远程 URL 读取订阅内容。
type Fetcher struct {
	client    *http.Client
	userAgent string
}

// NewFetcher 根据 opts 创建 Fetcher。
func NewFetcher(opts FetcherOptions) (*Fetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if opts.SocksProxy != "" {
		dialer, err := proxy.SOCKS5("tcp", opts.SocksProxy, nil, &net.Dialer{Timeout: opts.Timeout})
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		ctxDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
		}
		transport.Proxy = nil
		transport.DialContext = ctxDialer.DialContext
	}

	return &Fetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		userAgent: opts.UserAgent,
	}, nil
}

// IsLocal 判断 raw 是否为 file:// 本地来源。
func IsLocal(raw string) bool {
	return strings.HasPrefix(raw, localScheme)
}

// Fetch 读取 raw 指向的内容。
// 本地文件不存在为 NotFound；远程 404 为 NotFound，其余非 2xx、超时与连接失败为 Network。
func (f *Fetcher) Fetch(ctx context.Context, raw string) (*Fetched, error) {
	if IsLocal(raw) {
		return fetchLocal(strings.TrimPrefix(raw, localScheme))
	}
	return f.fetchRemote(ctx, raw)
}

func fetchLocal(p string) (*Fetched, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperr.Wrap(apperr.NotFound, err, "local subscription %s", p)
		}
		return nil, apperr.Wrap(apperr.IO, err, "read local subscription %s", p)
	}
	return &Fetched{Content: data, Name: filepath.Base(p), Local: true}, nil
}

func (f *Fetcher) fetchRemote(ctx context.Context, raw string) (*Fetched, error) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apperr.New(apperr.Content, "invalid subscription url %q", raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Content, err, "build request")
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, apperr.Wrap(apperr.Network, err, "download timed out")
		}
		return nil, apperr.Wrap(apperr.Network, err, "download failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperr.New(apperr.NotFound, "subscription returned 404")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperr.New(apperr.Network, "subscription returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.Network, err, "read response body")
	}
	if len(body) > maxBodyBytes {
		return nil, apperr.New(apperr.Content, "subscription larger than %d bytes", maxBodyBytes)
	}

	return &Fetched{
		Content: body,
		Name:    dispositionFilename(resp.Header.Get("Content-Disposition")),
	}, nil
}

// dispositionFilename 解析 Content-Disposition，filename* 优先于 filename。
// mime.ParseMediaType 会把 RFC 2231 的 filename* 解码后放进 "filename"；
// 它拒绝未加引号的非 ASCII 值 (filename=订阅.yaml)，这时退回逐段解析。
func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(header); err == nil {
		return strings.TrimSpace(params["filename"])
	}
	return looseDispositionFilename(header)
}

func looseDispositionFilename(header string) string {
	var plain, extended string
	for _, part := range strings.Split(header, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "filename*":
			// charset'lang'percent-encoded
			if i := strings.LastIndexByte(value, '\''); i >= 0 {
				value = value[i+1:]
			}
			if v, err := url.PathUnescape(strings.Trim(value, `"`)); err == nil {
				extended = v
			}
		case "filename":
			plain = strings.Trim(value, `"`)
		}
	}
	if extended != "" {
		return strings.TrimSpace(extended)
	}
	return strings.TrimSpace(plain)
}

// urlFilename 返回 URL 路径的最后一段（不含查询串）。
func urlFilename(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	if unescaped, err := url.PathUnescape(base); err == nil {
		base = unescaped
	}
	return base
}
