// Package nodeclient talks to ledger nodes over their JSON HTTP API.
package nodeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/mempool"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/nodes"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/quorum"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 << 10

// Operations is one page of a node's history.
type Operations struct {
	// TipStateVersion is the latest state version the node has.
	TipStateVersion uint64
	// Versions are consecutive state versions starting at the requested one.
	Versions []quorum.Version
}

// Client fetches data from a single node.
type Client interface {
	// FetchOperations returns up to limit state versions starting at since.
	FetchOperations(ctx context.Context, since uint64, limit int) (Operations, error)
	// FetchPendingTransactions returns the node's current mempool.
	FetchPendingTransactions(ctx context.Context) (mempool.Set, error)
}

// Factory builds a client for a node.
type Factory func(node nodes.Node) (Client, error)

// HTTPOptions configures HTTPClient.
type HTTPOptions struct {
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPClient is a Client for nodes that serve the JSON API.
type HTTPClient struct {
	node    string
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for node. The node address must be an
// absolute http or https URL.
func NewHTTPClient(node nodes.Node, opts HTTPOptions) (*HTTPClient, error) {
	u, err := url.Parse(node.Address)
	if err != nil {
		return nil, fmt.Errorf("node %s: invalid address: %w", node.Name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("node %s: address %q must use http or https", node.Name, node.Address)
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &HTTPClient{
		node:    node.Name,
		baseURL: strings.TrimRight(node.Address, "/"),
		client:  &http.Client{Timeout: opts.Timeout},
	}, nil
}

// NewHTTPFactory returns a Factory building HTTP clients with opts.
func NewHTTPFactory(opts HTTPOptions) Factory {
	return func(node nodes.Node) (Client, error) {
		return NewHTTPClient(node, opts)
	}
}

func (c *HTTPClient) FetchOperations(ctx context.Context, since uint64, limit int) (Operations, error) {
	params := url.Values{}
	params.Set("since", strconv.FormatUint(since, 10))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var resp operationsResponse
	if err := c.get(ctx, "/operations", params, &resp); err != nil {
		return Operations{}, err
	}

	versions, err := resp.decode(since)
	if err != nil {
		return Operations{}, c.malformed(err)
	}
	return Operations{TipStateVersion: resp.TipStateVersion, Versions: versions}, nil
}

func (c *HTTPClient) FetchPendingTransactions(ctx context.Context) (mempool.Set, error) {
	var resp mempoolResponse
	if err := c.get(ctx, "/mempool", nil, &resp); err != nil {
		return nil, err
	}
	set, err := resp.decode()
	if err != nil {
		return nil, c.malformed(err)
	}
	return set, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &Error{Kind: KindNetwork, Node: c.node, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return &Error{Kind: KindNetwork, Node: c.node, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.reported(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || ctx.Err() != nil {
			return &Error{Kind: KindNetwork, Node: c.node, Err: fmt.Errorf("read response: %w", err)}
		}
		return c.malformed(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// reported turns a non-200 response into a node-reported error. Nodes send
// an error body; when they don't, the HTTP status picks the code.
func (c *HTTPClient) reported(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload errorResponse
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Code != "" {
		return &Error{
			Kind: KindNodeReported,
			Code: payload.Error.Code,
			Node: c.node,
			Err:  fmt.Errorf("http %d: %s", resp.StatusCode, payload.Error.Message),
		}
	}

	return &Error{
		Kind: KindNodeReported,
		Code: codeForStatus(resp.StatusCode),
		Node: c.node,
		Err:  fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
	}
}

func codeForStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusServiceUnavailable, status == http.StatusBadGateway, status == http.StatusGatewayTimeout:
		return CodeUnavailable
	case status == http.StatusNotFound, status == http.StatusBadRequest:
		return CodeInvalidRequest
	default:
		return CodeInternal
	}
}

func (c *HTTPClient) malformed(err error) error {
	return &Error{Kind: KindMalformedResponse, Node: c.node, Err: err}
}
