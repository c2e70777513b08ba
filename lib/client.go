package mathom

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var defaultListOptions = &ListOptions{
	Limit:  DefaultLimit,
	Prefix: "",
	Sort:   NoOpStrategy(),
}

// Client provides an interface to interact with a mathom server over HTTP.
type Client struct {
	addr   string
	client *http.Client
}

// New returns a new Client instance given an address and an http.Client,
// http.DefaultClient is used if client is not passed.
func New(addr string, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}

	return &Client{
		addr:   addr,
		client: client,
	}
}

// CreateOptions specifies the details of an upload.
type CreateOptions struct {
	// Size is the payload size when known. The server then checks the
	// upload for truncation and reserves exactly that much.
	Size int64
	// TTL asks for a lifetime other than the server default.
	TTL time.Duration
	// Checksum is the hex encoded SHA-256 the server verifies the
	// payload against.
	Checksum string
	// ContentType is stored with the file when set.
	ContentType string
}

// Create uploads the content of src under name and returns the published
// file carrying its token.
func (c *Client) Create(
	name string,
	src io.Reader,
	opts *CreateOptions,
) (*ResponseFile, error) {
	if name == "" {
		return nil, ErrEmptyName
	}

	if src == nil {
		return nil, ErrEmptySource
	}

	if opts == nil {
		opts = &CreateOptions{}
	}

	u := fmt.Sprintf("files/%s", url.PathEscape(name))
	if opts.TTL > 0 {
		u = fmt.Sprintf("%s?%s=%s", u, ParamTTL, url.QueryEscape(opts.TTL.String()))
	}

	req, err := http.NewRequest("POST", fmt.Sprintf("%s/%s", c.addr, u), src)
	if err != nil {
		return nil, newError(ErrClient, err.Error())
	}

	if opts.Size > 0 {
		req.ContentLength = opts.Size
	}
	if opts.Checksum != "" {
		req.Header.Set(HeaderChecksum, opts.Checksum)
	}
	if opts.ContentType != "" {
		req.Header.Set("Content-Type", opts.ContentType)
	}

	r := &ResponseCreated{}

	if _, err := c.do(req, r); err != nil {
		return nil, err
	}

	return &r.File, nil
}

// Get returns the payload stored under token.
func (c *Client) Get(token string) (io.ReadCloser, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}

	return c.request("GET", fmt.Sprintf("files/%s", token), nil, nil)
}

// GetRange returns length bytes of the payload starting at offset. A
// negative length requests everything from offset to the end, which is how
// an interrupted download resumes.
func (c *Client) GetRange(token string, offset, length int64) (io.ReadCloser, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}

	req, err := http.NewRequest("GET", fmt.Sprintf("%s/files/%s", c.addr, token), nil)
	if err != nil {
		return nil, newError(ErrClient, err.Error())
	}

	if length < 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	} else {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	}

	return c.do(req, nil)
}

// Stat returns the file metadata without fetching its payload.
func (c *Client) Stat(token string) (*ResponseFile, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}

	req, err := http.NewRequest("HEAD", fmt.Sprintf("%s/files/%s", c.addr, token), nil)
	if err != nil {
		return nil, newError(ErrClient, err.Error())
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, newError(ErrClient, err.Error())
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		return nil, newError(
			errKind(res.StatusCode),
			fmt.Sprintf("response %d: %s", res.StatusCode, http.StatusText(res.StatusCode)),
		)
	}

	file := &ResponseFile{
		Token:       Token(token),
		ContentType: res.Header.Get("Content-Type"),
		SHA256:      strings.Trim(res.Header.Get(HeaderETag), `"`),
	}

	if v := res.Header.Get("Content-Length"); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, newError(ErrClient, fmt.Sprintf("parse size: %s", err))
		}
		file.Size = size
	}

	if v := res.Header.Get(HeaderExpiresAt); v != "" {
		at, err := time.Parse(timeFormat, v)
		if err != nil {
			return nil, newError(ErrClient, fmt.Sprintf("parse expiry: %s", err))
		}
		file.ExpiresAt = at
	}

	if v := res.Header.Get(HeaderLastModified); v != "" {
		at, err := time.Parse(http.TimeFormat, v)
		if err != nil {
			return nil, newError(ErrClient, fmt.Sprintf("parse creation time: %s", err))
		}
		file.CreatedAt = at
	}

	if v := res.Header.Get("Content-Disposition"); v != "" {
		if _, params, err := mime.ParseMediaType(v); err == nil {
			file.Name = params["filename"]
		}
	}

	return file, nil
}

// Delete expires the file under token right away. The payload disappears
// with the next collection pass.
func (c *Client) Delete(token string) (*ResponseFile, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}

	r := &ResponseDeleted{}

	if _, err := c.request("DELETE", fmt.Sprintf("files/%s", token), nil, r); err != nil {
		return nil, err
	}

	return &r.File, nil
}

// List returns the stored files, potentially filtered by the provided
// options.
func (c *Client) List(opts *ListOptions) ([]ResponseFile, error) {
	if opts == nil {
		opts = defaultListOptions
	}

	var (
		l = ResponseFileList{}
		u = "files"
	)

	if params := opts.EncodeParams(); params != "" {
		u = fmt.Sprintf("%s?%s", u, params)
	}

	if _, err := c.request("GET", u, nil, &l); err != nil {
		return nil, err
	}

	return l.Files, nil
}

func (c *Client) request(
	method string,
	uri string,
	body io.Reader,
	obj interface{},
) (io.ReadCloser, error) {
	req, err := http.NewRequest(method, fmt.Sprintf("%s/%s", c.addr, uri), body)
	if err != nil {
		return nil, newError(ErrClient, err.Error())
	}

	return c.do(req, obj)
}

func (c *Client) do(req *http.Request, obj interface{}) (io.ReadCloser, error) {
	res, err := c.client.Do(req)
	if err != nil {
		return nil, newError(ErrClient, err.Error())
	}

	if res.StatusCode >= 400 {
		defer res.Body.Close()

		rErr := &ResponseError{}

		if err := json.NewDecoder(res.Body).Decode(rErr); err != nil {
			// Not every error carries a JSON body, range errors for one
			// come back as plain text.
			rErr.Code = res.StatusCode
			rErr.Error = http.StatusText(res.StatusCode)
		}

		return nil, newError(
			errKind(res.StatusCode),
			fmt.Sprintf("response %d: %s", rErr.Code, rErr.Error),
		)
	}

	if obj != nil {
		defer res.Body.Close()

		if res.Header.Get("Content-Type") != "application/json" {
			return nil, newError(
				ErrClient,
				fmt.Sprintf("unexpected content-type: %s", res.Header.Get("Content-Type")),
			)
		}

		if err := json.NewDecoder(res.Body).Decode(obj); err != nil {
			return nil, newError(ErrClient, fmt.Sprintf("decode: %s", err))
		}

		return nil, nil
	}

	return res.Body, nil
}

// errKind maps a response status to the sentinel callers test against.
func errKind(status int) error {
	switch status {
	case http.StatusNotFound:
		return ErrFileNotFound
	case http.StatusGone:
		return ErrGone
	case http.StatusRequestedRangeNotSatisfiable:
		return ErrRangeNotSatisfiable
	case http.StatusRequestEntityTooLarge:
		return ErrTooLarge
	case http.StatusInsufficientStorage:
		return ErrQuotaExceeded
	}
	return ErrClient
}

// ListOptions specifies the details of a listing like prefix to filter, amount
// of files to return.
type ListOptions struct {
	Limit  uint64
	Prefix string
	Sort   SortStrategy
}

// EncodeParams returns a string that can be used as URL params.
func (o ListOptions) EncodeParams() string {
	vs := url.Values{}

	if o.Limit > 0 && o.Limit < DefaultLimit {
		vs.Set(ParamLimit, fmt.Sprintf("%d", o.Limit))
	}

	if o.Prefix != "" {
		vs.Set(ParamPrefix, o.Prefix)
	}

	if o.Sort != nil {
		if p := o.Sort.EncodeParam(); p != "" {
			vs.Set(ParamSort, p)
		}
	}

	return vs.Encode()
}
