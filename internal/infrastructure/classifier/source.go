package classifier

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
	"github.com/kirillkom/plant-care-assistant/internal/infrastructure/storage/localfs"
)

// ArtifactSource opens model artifacts by key. Callers must close the reader.
type ArtifactSource interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// SourceFor picks an HTTP source for http(s) locations and a local directory otherwise.
func SourceFor(location string) (ArtifactSource, error) {
	location = strings.TrimSpace(location)
	if u, err := url.Parse(location); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return NewHTTPSource(location, nil), nil
	}
	store, err := localfs.New(location)
	if err != nil {
		return nil, domain.WrapError(domain.ErrModelLoad, "open model location", err)
	}
	return store, nil
}

// HTTPSource fetches artifacts from <baseURL>/<key>.
type HTTPSource struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPSource(baseURL string, httpClient *http.Client) *HTTPSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (s *HTTPSource) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	// Keys may name nested files, so segments are escaped but slashes kept.
	target, err := url.JoinPath(s.baseURL, key)
	if err != nil {
		return nil, fmt.Errorf("build artifact url for %s: %w", key, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create artifact request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact %s: %w", key, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, domain.WrapError(domain.ErrNotFound, "fetch artifact", fmt.Errorf("%s: %s", key, resp.Status))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch artifact %s: status %s", key, resp.Status)
	}
	return resp.Body, nil
}
