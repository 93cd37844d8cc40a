package datasync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultPathTemplate is the collection records path; {collection} is
// replaced by the escaped collection name.
const DefaultPathTemplate = "/api/collections/{collection}/records"

const maxResponseBody int64 = 16 << 20

// Client talks to the collection HTTP surface.
type Client struct {
	baseURL  string
	template string
	http     *http.Client
	header   http.Header
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithPathTemplate overrides DefaultPathTemplate.
func WithPathTemplate(tpl string) ClientOption {
	return func(c *Client) { c.template = tpl }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithHeader adds a header to every request (e.g. Authorization).
func WithHeader(key, value string) ClientOption {
	return func(c *Client) { c.header.Add(key, value) }
}

// NewClient creates a Client for the backend at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		template: DefaultPathTemplate,
		http:     &http.Client{Timeout: 30 * time.Second},
		header:   http.Header{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) endpoint(collection string, id string) string {
	u := c.baseURL + strings.ReplaceAll(c.template, "{collection}", url.PathEscape(collection))
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

// List fetches records matching params.
func (c *Client) List(ctx context.Context, collection string, params ListParams) ([]Record, error) {
	q := url.Values{}
	if params.Filter != "" {
		q.Set("filter", params.Filter)
	}
	if params.Sort != "" {
		q.Set("sort", params.Sort)
	}
	if params.Page > 0 {
		q.Set("page", strconv.Itoa(params.Page))
	}
	if params.PerPage > 0 {
		q.Set("perPage", strconv.Itoa(params.PerPage))
	}
	if params.Expand != "" {
		q.Set("expand", params.Expand)
	}
	u := c.endpoint(collection, "")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var out struct {
		Items []Record `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, u, nil, "", &out); err != nil {
		return nil, fmt.Errorf("datasync: list %s: %w", collection, err)
	}
	if out.Items == nil {
		out.Items = []Record{}
	}
	return out.Items, nil
}

// Get fetches one record. A 404 is reported as ErrNotFound.
func (c *Client) Get(ctx context.Context, collection, id string, params GetParams) (Record, error) {
	u := c.endpoint(collection, id)
	if params.Expand != "" {
		u += "?expand=" + url.QueryEscape(params.Expand)
	}
	var rec Record
	if err := c.do(ctx, http.MethodGet, u, nil, "", &rec); err != nil {
		return nil, fmt.Errorf("datasync: get %s/%s: %w", collection, id, err)
	}
	return rec, nil
}

// Create posts a new record. Records holding a File go as multipart.
func (c *Client) Create(ctx context.Context, collection string, data Record) (Record, error) {
	body, contentType, err := encodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("datasync: create %s: %w", collection, err)
	}
	var rec Record
	if err := c.do(ctx, http.MethodPost, c.endpoint(collection, ""), body, contentType, &rec); err != nil {
		return nil, fmt.Errorf("datasync: create %s: %w", collection, err)
	}
	return rec, nil
}

// Update patches a record.
func (c *Client) Update(ctx context.Context, collection, id string, data Record) (Record, error) {
	body, contentType, err := encodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("datasync: update %s/%s: %w", collection, id, err)
	}
	var rec Record
	if err := c.do(ctx, http.MethodPatch, c.endpoint(collection, id), body, contentType, &rec); err != nil {
		return nil, fmt.Errorf("datasync: update %s/%s: %w", collection, id, err)
	}
	return rec, nil
}

// Delete removes a record.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	if err := c.do(ctx, http.MethodDelete, c.endpoint(collection, id), nil, "", nil); err != nil {
		return fmt.Errorf("datasync: delete %s/%s: %w", collection, id, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, u string, body []byte, contentType string, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{Status: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// errorMessage extracts {"message": ...} or {"error": ...} from an error
// body, falling back to the raw text.
func errorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return strings.TrimSpace(string(body))
}

// encodeRecord returns JSON, or multipart form data with "_file:<field>"
// parts and the remaining fields as a "_data" JSON part when any value is
// a File or []File.
func encodeRecord(data Record) ([]byte, string, error) {
	files := map[string][]File{}
	plain := Record{}
	for k, v := range data {
		switch f := v.(type) {
		case File:
			files[k] = []File{f}
		case *File:
			if f != nil {
				files[k] = []File{*f}
			}
		case []File:
			files[k] = f
		default:
			plain[k] = v
		}
	}
	if len(files) == 0 {
		b, err := json.Marshal(data)
		return b, "application/json", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	meta, err := json.Marshal(plain)
	if err != nil {
		return nil, "", err
	}
	if err := w.WriteField("_data", string(meta)); err != nil {
		return nil, "", err
	}
	for field, fs := range files {
		for _, f := range fs {
			h := textproto.MIMEHeader{}
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, escapeQuotes("_file:"+field), escapeQuotes(f.Name)))
			ct := f.ContentType
			if ct == "" {
				ct = "application/octet-stream"
			}
			h.Set("Content-Type", ct)
			part, err := w.CreatePart(h)
			if err != nil {
				return nil, "", err
			}
			if _, err := part.Write(f.Data); err != nil {
				return nil, "", err
			}
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

// IsNetwork reports whether err is a transport failure rather than a
// backend answer.
func IsNetwork(err error) bool {
	var he *HTTPError
	return err != nil && !errors.As(err, &he) && !errors.Is(err, ErrNotFound)
}
