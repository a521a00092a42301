package elasticsearch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"telemetry-alert/internal/config"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	osv2 "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
)

type (
	esCountRequest = esapi.CountRequest
	osCountRequest = opensearchapi.CountRequest
)

// Client hides the elasticsearch / opensearch split behind one API.
type Client struct {
	provider string
	es       *es.Client
	os       *osv2.Client
}

func NewClient(cfg config.ElasticsearchConfig) (*Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify,
		},
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.GetRequestTimeout(),
		ExpectContinueTimeout: 1 * time.Second,
	}

	provider := cfg.Provider
	if provider == "" {
		provider = "elasticsearch"
	}

	switch provider {
	case "opensearch":
		osClient, err := osv2.NewClient(osv2.Config{
			Addresses: cfg.Addresses,
			Username:  cfg.Username,
			Password:  cfg.Password,
			Transport: transport,
		})
		if err != nil {
			return nil, fmt.Errorf("opensearch client: %w", err)
		}
		return &Client{provider: provider, os: osClient}, nil
	case "elasticsearch":
		// For older Elasticsearch (<7.14) or proxies stripping headers, allow skipping product check
		if cfg.SkipProductCheck {
			_ = os.Setenv("ELASTIC_CLIENT_SKIP_PRODUCT_CHECK", "true")
		}
		esClient, err := es.NewClient(es.Config{
			Addresses: cfg.Addresses,
			Username:  cfg.Username,
			Password:  cfg.Password,
			CloudID:   cfg.CloudID,
			APIKey:    cfg.APIKey,
			Transport: transport,
		})
		if err != nil {
			return nil, fmt.Errorf("elasticsearch client: %w", err)
		}
		return &Client{provider: provider, es: esClient}, nil
	default:
		return nil, fmt.Errorf("unknown search provider %q", provider)
	}
}

// Response is a minimal wrapper shared by both providers.
type Response struct {
	Body       io.ReadCloser
	StatusCode int
}

// NewResponse builds a Response, used by fakes in tests.
func NewResponse(status int, body io.ReadCloser) *Response {
	return &Response{Body: body, StatusCode: status}
}

func (r *Response) IsError() bool { return r.StatusCode > 299 }

// Err drains the body into an error when the response is an error.
func (r *Response) Err() error {
	if !r.IsError() {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
	return fmt.Errorf("search status=%d: %s", r.StatusCode, strings.TrimSpace(string(raw)))
}

// Search executes a search over the given indices with the provided JSON body.
func (c *Client) Search(ctx context.Context, indices []string, body io.Reader) (*Response, error) {
	switch c.provider {
	case "opensearch":
		res, err := c.os.Search(
			c.os.Search.WithContext(ctx),
			c.os.Search.WithIndex(indices...),
			c.os.Search.WithBody(body),
			c.os.Search.WithIgnoreUnavailable(true),
		)
		if err != nil {
			return nil, err
		}
		return &Response{Body: res.Body, StatusCode: res.StatusCode}, nil
	default:
		res, err := c.es.Search(
			c.es.Search.WithContext(ctx),
			c.es.Search.WithIndex(indices...),
			c.es.Search.WithBody(body),
			c.es.Search.WithIgnoreUnavailable(true),
		)
		if err != nil {
			return nil, err
		}
		return &Response{Body: res.Body, StatusCode: res.StatusCode}, nil
	}
}

// Count runs a _count request. A nil body counts every document.
func (c *Client) Count(ctx context.Context, indices []string, body io.Reader) (*Response, error) {
	switch c.provider {
	case "opensearch":
		opts := []func(*osCountRequest){
			c.os.Count.WithContext(ctx),
			c.os.Count.WithIndex(indices...),
			c.os.Count.WithIgnoreUnavailable(true),
		}
		if body != nil {
			opts = append(opts, c.os.Count.WithBody(body))
		}
		res, err := c.os.Count(opts...)
		if err != nil {
			return nil, err
		}
		return &Response{Body: res.Body, StatusCode: res.StatusCode}, nil
	default:
		opts := []func(*esCountRequest){
			c.es.Count.WithContext(ctx),
			c.es.Count.WithIndex(indices...),
			c.es.Count.WithIgnoreUnavailable(true),
		}
		if body != nil {
			opts = append(opts, c.es.Count.WithBody(body))
		}
		res, err := c.es.Count(opts...)
		if err != nil {
			return nil, err
		}
		return &Response{Body: res.Body, StatusCode: res.StatusCode}, nil
	}
}

// Ping checks cluster reachability.
func (c *Client) Ping(ctx context.Context) error {
	var (
		status int
		body   io.ReadCloser
	)
	switch c.provider {
	case "opensearch":
		res, err := c.os.Ping(c.os.Ping.WithContext(ctx))
		if err != nil {
			return err
		}
		status, body = res.StatusCode, res.Body
	default:
		res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
		if err != nil {
			return err
		}
		status, body = res.StatusCode, res.Body
	}
	if body != nil {
		body.Close()
	}
	if status > 299 {
		return fmt.Errorf("ping status=%d", status)
	}
	return nil
}
