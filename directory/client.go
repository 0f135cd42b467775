package directory

import (
	"context"
	"fmt"
	"net/url"

	"github.com/bt-bridge/consult-rtc/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Contact is one entry of the caller's contact list. The REST layer keys
// records by "_id"; some deployments send "id" instead.
type Contact struct {
	ID      string      `json:"id"`
	MongoID string      `json:"_id,omitempty"`
	Name    string      `json:"name"`
	Role    shared.Role `json:"role"`
	Online  bool        `json:"online"`
}

type Client struct {
	logger     shared.LoggerAdapter
	baseUrl    *url.URL
	credential string
	http       *fasthttp.Client
}

func NewClient(logger shared.LoggerAdapter, apiBase, credential string) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if credential == "" {
		return nil, shared.ErrNoCredential
	}
	u, err := url.Parse(apiBase)
	if err != nil {
		return nil, fmt.Errorf("parsing API base URL: %w", err)
	}
	return &Client{
		logger:     logger.With(zap.String("component", "directory")),
		baseUrl:    u,
		credential: credential,
		http:       &fasthttp.Client{Name: "consult-rtc"},
	}, nil
}

// Contacts lists the parties the caller may reach, with presence flags.
func (c *Client) Contacts(ctx context.Context) ([]Contact, error) {
	body, err := c.get(ctx, "/contacts")
	if err != nil {
		return nil, err
	}
	var contacts []Contact
	if err := sonic.Unmarshal(body, &contacts); err != nil {
		return nil, fmt.Errorf("decoding contacts: %w", err)
	}
	for i := range contacts {
		if contacts[i].ID == "" {
			contacts[i].ID = contacts[i].MongoID
		}
	}
	c.logger.Debug("fetched contacts", zap.Int("count", len(contacts)))
	return contacts, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	release := func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}

	req.SetRequestURI(c.baseUrl.JoinPath(path).String())
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Authorization", "Bearer "+c.credential)
	req.Header.Set("Accept", "application/json")

	errC := make(chan error, 1)
	go func() {
		errC <- c.http.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		// req and resp stay owned by the in-flight Do until it returns.
		go func() {
			<-errC
			release()
		}()
		return nil, ctx.Err()
	case err := <-errC:
		defer release()
		if err != nil {
			return nil, fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	if sc := resp.StatusCode(); sc < 200 || sc > 299 {
		return nil, fmt.Errorf("%w: %d, body: %s", shared.ErrDirectoryStatus, sc, string(resp.Body()))
	}
	return append([]byte(nil), resp.Body()...), nil
}
