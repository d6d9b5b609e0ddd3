package weightstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type httpConfig struct {
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type httpSource struct {
	baseURL string
	client  *http.Client
}

func init() {
	Register("http", createHTTPSource)
}

func createHTTPSource(args interface{}) (Source, error) {
	config := &httpConfig{}
	if err := decodeConfig(args, config); err != nil {
		return nil, err
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("http source base_url is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base_url: %w", err)
	}
	// No timeout unless configured.
	client := &http.Client{}
	if config.TimeoutSeconds > 0 {
		client.Timeout = time.Duration(config.TimeoutSeconds) * time.Second
	}
	return &httpSource{baseURL: strings.TrimSuffix(config.BaseURL, "/"), client: client}, nil
}

func (s *httpSource) Type() string {
	return "http"
}

func (s *httpSource) Fetch(ctx context.Context, name string, w io.Writer) error {
	if err := validName(name); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/"+url.PathEscape(name), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}
