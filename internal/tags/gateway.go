package tags

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// GatewayClient reads and writes tags through an HTTP tag gateway sitting
// in front of the controller.
//
//	GET  {base}/health
//	GET  {base}/tags?names=a,b   -> {"tags":{"a":1.5},"errors":{"b":"unknown tag"}}
//	PUT  {base}/tags/{name}      <- {"type":"REAL","value":1.5}
type GatewayClient struct {
	base  string
	types map[string]Type
	rest  *resty.Client
}

// NewGateway creates a gateway client. types maps tag names to their CIP
// type; tags without an entry are decoded from the JSON scalar kind.
func NewGateway(base string, types map[string]Type, timeout time.Duration) *GatewayClient {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second)
	}
	return &GatewayClient{base: strings.TrimRight(base, "/"), types: types, rest: r}
}

type readResp struct {
	Tags   map[string]any    `json:"tags"`
	Errors map[string]string `json:"errors"`
}

type writeReq struct {
	Type  Type `json:"type,omitempty"`
	Value any  `json:"value"`
}

type gatewayError struct {
	Error string `json:"error"`
}

func (c *GatewayClient) Connect(ctx context.Context) error {
	resp, err := c.rest.R().SetContext(ctx).Get(c.base + "/health")
	if err != nil {
		return &ConnectionError{Op: "connect", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("gateway health: status %d", resp.StatusCode())}
	}
	return nil
}

func (c *GatewayClient) Read(ctx context.Context, names []string) (map[string]Value, error) {
	out := &readResp{}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("names", strings.Join(names, ",")).
		SetResult(out).
		Get(c.base + "/tags")
	if err != nil {
		return nil, &ConnectionError{Op: "read", Err: err}
	}
	if err := statusError("read", "", resp); err != nil {
		return nil, err
	}

	if len(out.Errors) > 0 {
		bad := make([]string, 0, len(out.Errors))
		for name := range out.Errors {
			bad = append(bad, name)
		}
		sort.Strings(bad)
		return nil, &TagError{Tag: bad[0], Err: errors.New(out.Errors[bad[0]])}
	}

	values := make(map[string]Value, len(names))
	for _, name := range names {
		raw, ok := out.Tags[name]
		if !ok {
			return nil, &TagError{Tag: name, Err: ErrUnknownTag}
		}
		v, err := Decode(c.types[name], raw)
		if err != nil {
			return nil, &TagError{Tag: name, Err: err}
		}
		values[name] = v
	}
	return values, nil
}

func (c *GatewayClient) Write(ctx context.Context, name string, v Value) error {
	t := c.types[name]
	if t != "" {
		coerced, err := Coerce(t, v)
		if err != nil {
			return &TagError{Tag: name, Err: err}
		}
		v = coerced
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		SetPathParam("name", name).
		SetBody(writeReq{Type: t, Value: v.Any()}).
		Put(c.base + "/tags/{name}")
	if err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return statusError("write", name, resp)
}

func (c *GatewayClient) Close() error { return nil }

func statusError(op, tag string, resp *resty.Response) error {
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return &TagError{Tag: tag, Err: fmt.Errorf("gateway %s: status %d: %s", op, code, gatewayMessage(resp))}
	default:
		return &ConnectionError{Op: op, Err: fmt.Errorf("gateway status %d: %s", code, gatewayMessage(resp))}
	}
}

func gatewayMessage(resp *resty.Response) string {
	var ge gatewayError
	if err := json.Unmarshal(resp.Body(), &ge); err == nil && ge.Error != "" {
		return ge.Error
	}
	return strings.TrimSpace(resp.String())
}
