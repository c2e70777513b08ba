package mathom

import (
	"encoding/json"
	"math"
	"time"
)

// Constants used in HTTP request/responses.
const (
	DefaultLimit uint64 = math.MaxUint64

	HeaderChecksum     = "X-Checksum-SHA256"
	HeaderETag         = "ETag"
	HeaderExpiresAt    = "X-Expires-At"
	HeaderLastModified = "Last-Modified"

	KeyName  = ":name"
	KeyToken = ":token"

	OrderCreated    = "created"
	OrderName       = "name"
	OrderSize       = "size"
	OrderAscending  = "+"
	OrderDescending = "-"

	ParamLimit  = "limit"
	ParamPrefix = "prefix"
	ParamSort   = "sort"
	ParamTTL    = "ttl"

	RouteFiles  = `/files`
	RouteFile   = `/files/{token:[a-zA-Z0-9\-_]{22}}`
	RouteUpload = `/files/{name}`

	timeFormat = time.RFC3339Nano
)

// ResponseCreated is used as the intermediate type to craft a response for
// a successful file upload.
type ResponseCreated struct {
	Duration time.Duration `json:"duration"`
	File     ResponseFile  `json:"file"`
}

// ResponseDeleted is used as the intermediate type to craft a response for a
// successful file expiry.
type ResponseDeleted struct {
	Duration time.Duration `json:"duration"`
	File     ResponseFile  `json:"file"`
}

// ResponseFileList is used as the intermediate type to craft a response for
// the retrieval of all stored files.
type ResponseFileList struct {
	Count    int            `json:"count"`
	Duration time.Duration  `json:"duration"`
	Files    []ResponseFile `json:"files"`
}

// ResponseError is used as the intermediate type to craft a response for any
// kind of error condition in the http path. This includes common error cases
// like an entity could not be found.
type ResponseError struct {
	Code        int    `json:"code"`
	Error       string `json:"error"`
	Description string `json:"description"`
}

// ResponseHealth is used as the intermediate type to craft a response for
// the health endpoint, including the current quota usage.
type ResponseHealth struct {
	Status    string `json:"status"`
	Files     int    `json:"files"`
	Reserved  int64  `json:"reservedBytes"`
	Committed int64  `json:"committedBytes"`
	Capacity  int64  `json:"capacityBytes"`
}

// ResponseFile is used as the intermediate type to craft a response for
// the retrieval metadata of a stored file.
type ResponseFile struct {
	Token       Token
	Name        string
	Size        int64
	SHA256      string
	ContentType string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Downloads   int64
}

// MarshalJSON returns a ResponseFile JSON encoding with conversion of the
// timestamps to RFC3339.
func (r ResponseFile) MarshalJSON() ([]byte, error) {
	return json.Marshal(responseFileWrapper{
		Token:       string(r.Token),
		Name:        r.Name,
		Size:        r.Size,
		SHA256:      r.SHA256,
		ContentType: r.ContentType,
		CreatedAt:   r.CreatedAt.Format(timeFormat),
		ExpiresAt:   r.ExpiresAt.Format(timeFormat),
		Downloads:   r.Downloads,
	})
}

// UnmarshalJSON marshals data into *r with conversion of the RFC3339
// timestamps into time.Time.
func (r *ResponseFile) UnmarshalJSON(d []byte) error {
	var w responseFileWrapper

	err := json.Unmarshal(d, &w)
	if err != nil {
		return err
	}

	r.Token = Token(w.Token)
	r.Name = w.Name
	r.Size = w.Size
	r.SHA256 = w.SHA256
	r.ContentType = w.ContentType
	r.Downloads = w.Downloads
	r.CreatedAt, err = time.Parse(timeFormat, w.CreatedAt)
	if err != nil {
		return err
	}
	r.ExpiresAt, err = time.Parse(timeFormat, w.ExpiresAt)
	return err
}

type responseFileWrapper struct {
	Token       string `json:"token"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
	ContentType string `json:"contentType"`
	CreatedAt   string `json:"createdAt"`
	ExpiresAt   string `json:"expiresAt"`
	Downloads   int64  `json:"downloads"`
}
