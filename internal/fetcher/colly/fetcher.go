// Package collyfetcher implements the remote catalog client (list and detail
// endpoints) and the asset downloader on top of gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/metrics"
)

// Config controls collector behavior and the fixed list/detail parameters.
type Config struct {
	ListURL       string
	DetailBaseURL string
	Env           string
	User          string
	Index         string
	Narrow        string
	OrderBy       string
	PageType      string
	Tag           string
	View          string
	UserAgent     string
	Headers       map[string]string
	Timeout       time.Duration
	MaxBodyBytes  int
	MaxAssetBytes int // 0 means unlimited
}

// ErrTruncated marks a response body that was cut short by the size limit or
// ended before its announced Content-Length.
var ErrTruncated = errors.New("response body truncated")

// Pacer gates each outbound request.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements catalog.API and the storage downloader using a Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	pacer         Pacer
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type response struct {
	status  int
	body    []byte
	headers http.Header
}

// New builds a Fetcher. pacer may be nil.
func New(cfg Config, pacer Pacer) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		pacer:         pacer,
	}
}

// FetchList requests one page of the list endpoint and unwraps its first object.
func (f *Fetcher) FetchList(ctx context.Context, query catalog.ListQuery) (catalog.ListPage, error) {
	target, err := f.listURL(query)
	if err != nil {
		return catalog.ListPage{}, err
	}
	resp, err := f.get(ctx, target, "application/json", f.cfg.MaxBodyBytes)
	if err != nil {
		metrics.ObserveRequest("list", "error")
		return catalog.ListPage{}, err
	}
	payload, err := decodeJSON(resp.body)
	if err != nil {
		metrics.ObserveRequest("list", "decode_error")
		return catalog.ListPage{}, &catalog.RequestError{URL: target, Status: resp.status, Body: resp.body, Headers: resp.headers, Err: err}
	}
	page, err := unwrapListPayload(payload)
	if err != nil {
		metrics.ObserveRequest("list", "decode_error")
		return catalog.ListPage{}, &catalog.RequestError{URL: target, Status: resp.status, Body: resp.body, Headers: resp.headers, Err: err}
	}
	metrics.ObserveRequest("list", "success")
	return page, nil
}

// FetchDetail requests {base}/{slug} and returns the raw detail object.
func (f *Fetcher) FetchDetail(ctx context.Context, slug string) (map[string]any, error) {
	target, err := f.detailURL(slug)
	if err != nil {
		return nil, err
	}
	resp, err := f.get(ctx, target, "application/json", f.cfg.MaxBodyBytes)
	if err != nil {
		metrics.ObserveRequest("detail", "error")
		return nil, err
	}
	payload, err := decodeJSON(resp.body)
	if err != nil {
		metrics.ObserveRequest("detail", "decode_error")
		return nil, &catalog.RequestError{URL: target, Status: resp.status, Body: resp.body, Headers: resp.headers, Err: err}
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		metrics.ObserveRequest("detail", "decode_error")
		return nil, &catalog.RequestError{
			URL: target, Status: resp.status, Body: resp.body, Headers: resp.headers,
			Err: fmt.Errorf("detail payload is %T, want object", payload),
		}
	}
	metrics.ObserveRequest("detail", "success")
	return obj, nil
}

// Download fetches rawURL and writes the body to destPath through a temporary file,
// so an interrupted download never leaves a partial file at destPath. Bodies
// that hit MaxAssetBytes are rejected rather than stored short.
func (f *Fetcher) Download(ctx context.Context, rawURL, destPath string) error {
	resp, err := f.get(ctx, rawURL, "", f.cfg.MaxAssetBytes)
	if err != nil {
		metrics.ObserveRequest("asset", "error")
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
		return fmt.Errorf("create asset directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".download-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(resp.body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write asset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close asset: %w", err)
	}
	if err := os.Rename(tmpName, destPath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("move asset into place: %w", err)
	}
	metrics.ObserveRequest("asset", "success")
	return nil
}

func (f *Fetcher) listURL(query catalog.ListQuery) (string, error) {
	if strings.TrimSpace(f.cfg.ListURL) == "" {
		return "", errors.New("list url is not configured")
	}
	u, err := url.Parse(f.cfg.ListURL)
	if err != nil {
		return "", fmt.Errorf("parse list url: %w", err)
	}
	params := u.Query()
	params.Set("index", f.cfg.Index)
	params.Set("limit", strconv.Itoa(query.Limit))
	params.Set("narrow", f.cfg.Narrow)
	params.Set("offset", strconv.Itoa(query.Offset))
	params.Set("order_by", f.cfg.OrderBy)
	params.Set("page_type", f.cfg.PageType)
	params.Set("q", query.Query)
	params.Set("tag", f.cfg.Tag)
	params.Set("view", f.cfg.View)
	u.RawQuery = params.Encode()
	return u.String(), nil
}

func (f *Fetcher) detailURL(slug string) (string, error) {
	if strings.TrimSpace(f.cfg.DetailBaseURL) == "" {
		return "", errors.New("detail base url is not configured")
	}
	if strings.TrimSpace(slug) == "" {
		return "", errors.New("slug is required")
	}
	u, err := url.Parse(strings.TrimRight(f.cfg.DetailBaseURL, "/") + "/" + url.PathEscape(slug))
	if err != nil {
		return "", fmt.Errorf("parse detail url: %w", err)
	}
	params := u.Query()
	params.Set("__env", f.cfg.Env)
	params.Set("__user", f.cfg.User)
	u.RawQuery = params.Encode()
	return u.String(), nil
}

func (f *Fetcher) get(ctx context.Context, target, accept string, limit int) (response, error) {
	if f.pacer != nil {
		if err := f.pacer.Wait(ctx, target); err != nil {
			return response{}, err
		}
	}
	var (
		result   response
		fetchErr *catalog.RequestError
	)
	collector := f.buildCollector(ctx, limit)
	f.configureCollectorHooks(collector, target, accept, &result, &fetchErr)
	if err := f.runCollector(ctx, collector, target, &fetchErr); err != nil {
		return response{}, err
	}
	if err := checkBody(target, result, limit); err != nil {
		return response{}, err
	}
	return result, nil
}

// checkBody rejects bodies the collector cut off at limit and bodies shorter than
// an uncompressed Content-Length.
func checkBody(target string, resp response, limit int) error {
	n := len(resp.body)
	if limit > 0 && n >= limit {
		return &catalog.RequestError{
			URL: target, Status: resp.status, Headers: resp.headers,
			Err: fmt.Errorf("%w: body reached the %d byte limit", ErrTruncated, limit),
		}
	}
	if resp.headers.Get("Content-Encoding") != "" {
		return nil
	}
	want, err := strconv.ParseInt(resp.headers.Get("Content-Length"), 10, 64)
	if err == nil && int64(n) < want {
		return &catalog.RequestError{
			URL: target, Status: resp.status, Headers: resp.headers,
			Err: fmt.Errorf("%w: got %d of %d bytes", ErrTruncated, n, want),
		}
	}
	return nil
}

func (f *Fetcher) buildCollector(ctx context.Context, limit int) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.AllowURLRevisit = true
	collector.MaxBodySize = limit
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(f.transport)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	target string,
	accept string,
	result *response,
	fetchErr **catalog.RequestError,
) {
	hooks.OnRequest(func(r *colly.Request) {
		if accept != "" {
			r.Headers.Set("Accept", accept)
		}
		for key, value := range f.cfg.Headers {
			r.Headers.Set(key, value)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = response{
			status: r.StatusCode,
			body:   append([]byte(nil), r.Body...),
		}
		if r.Headers != nil {
			result.headers = r.Headers.Clone()
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		reqErr := &catalog.RequestError{URL: target, Err: err}
		if r != nil {
			reqErr.Status = r.StatusCode
			reqErr.Body = append([]byte(nil), r.Body...)
			if r.Headers != nil {
				reqErr.Headers = r.Headers.Clone()
			}
		}
		*fetchErr = reqErr
	})
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	target string,
	fetchErr **catalog.RequestError,
) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		// The request carries ctx, so the visit returns as soon as the transfer aborts.
		<-done
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if ctx.Err() != nil {
			return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
		}
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return &catalog.RequestError{URL: target, Err: fmt.Errorf("colly visit failed: %w", err)}
		}
		return nil
	}
}

func decodeJSON(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return payload, nil
}

// unwrapListPayload finds the first object carrying objects/meta: the payload
// itself, the first element of a top-level array, or the first element under a
// single wrapper key.
func unwrapListPayload(payload any) (catalog.ListPage, error) {
	obj := firstWrapped(payload, 0)
	if obj == nil {
		return catalog.ListPage{}, errors.New("list payload has no wrapped object")
	}
	var page catalog.ListPage
	if rawObjects, ok := obj["objects"].([]any); ok {
		for _, o := range rawObjects {
			if m, ok := o.(map[string]any); ok {
				page.Objects = append(page.Objects, m)
			}
		}
	}
	if meta, ok := obj["meta"].(map[string]any); ok {
		page.Meta = catalog.ListMeta{
			Offset:     intField(meta, "offset"),
			PageNumber: intField(meta, "page_number"),
			TotalCount: intField(meta, "total_count"),
			TotalPages: intField(meta, "total_pages"),
			Error:      catalog.StringField(meta, "error"),
			ErrorType:  catalog.StringField(meta, "error_type"),
		}
	}
	return page, nil
}

func firstWrapped(payload any, depth int) map[string]any {
	if depth > 3 {
		return nil
	}
	switch v := payload.(type) {
	case []any:
		if len(v) == 0 {
			return nil
		}
		return firstWrapped(v[0], depth+1)
	case map[string]any:
		if _, ok := v["objects"]; ok {
			return v
		}
		if _, ok := v["meta"]; ok {
			return v
		}
		if len(v) == 1 {
			for _, inner := range v {
				return firstWrapped(inner, depth+1)
			}
		}
		return nil
	default:
		return nil
	}
}

func intField(m map[string]any, key string) int {
	s := catalog.StringField(m, key)
	if s == "" {
		return 0
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int(n)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
