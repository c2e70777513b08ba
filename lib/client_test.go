package mathom

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/pat"
)

const testToken = Token("0123456789abcdefghij_-")

func TestClientCreate(t *testing.T) {
	var (
		body  = "file content goes here"
		name  = "test.zip"
		r     = pat.New()
		start = time.Now()
	)

	r.Post(RouteUpload, func(w http.ResponseWriter, r *http.Request) {
		if have, want := r.URL.Query().Get(KeyName), name; have != want {
			t.Fatalf("have %s, want %s", have, want)
		}
		if have, want := r.URL.Query().Get(ParamTTL), "1h0m0s"; have != want {
			t.Fatalf("have %s, want %s", have, want)
		}
		if have, want := r.ContentLength, int64(len(body)); have != want {
			t.Fatalf("have %d, want %d", have, want)
		}
		if have, want := r.Header.Get(HeaderChecksum), "abc123"; have != want {
			t.Fatalf("have %s, want %s", have, want)
		}

		defer r.Body.Close()

		raw, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatal(err)
		}

		if have, want := string(raw), body; have != want {
			t.Fatalf("have %s, want %s", have, want)
		}

		respondJSON(w, http.StatusCreated, ResponseCreated{
			Duration: time.Since(start),
			File: ResponseFile{
				Token:     testToken,
				Name:      name,
				Size:      int64(len(raw)),
				CreatedAt: start,
				ExpiresAt: start.Add(time.Hour),
			},
		})
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	client := New(ts.URL, nil)

	file, err := client.Create(name, bytes.NewReader([]byte(body)), &CreateOptions{
		Size:     int64(len(body)),
		TTL:      time.Hour,
		Checksum: "abc123",
	})
	if err != nil {
		t.Fatal(err)
	}

	if have, want := file.Token, testToken; have != want {
		t.Errorf("have %s, want %s", have, want)
	}
	if have, want := file.Size, int64(len(body)); have != want {
		t.Errorf("have %d, want %d", have, want)
	}
}

func TestClientCreateInvalid(t *testing.T) {
	client := New("lolcathost.org", nil)

	_, err := client.Create("", bytes.NewReader(nil), nil)
	if have, want := err, ErrEmptyName; !IsEmptyName(err) {
		t.Errorf("have %v, want %v", have, want)
	}

	_, err = client.Create("file.bin", nil, nil)
	if have, want := err, ErrEmptySource; !IsEmptySource(err) {
		t.Errorf("have %v, want %v", have, want)
	}
}

func TestClientGet(t *testing.T) {
	var (
		body = "content is here"
		r    = pat.New()
	)

	r.Get(RouteFile, func(w http.ResponseWriter, r *http.Request) {
		if have, want := r.URL.Query().Get(KeyToken), string(testToken); have != want {
			t.Fatalf("have %s, want %s", have, want)
		}

		defer r.Body.Close()

		http.ServeContent(w, r, "content.log", time.Now(), bytes.NewReader([]byte(body)))
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	client := New(ts.URL, nil)

	file, err := client.Get(string(testToken))
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		t.Fatal(err)
	}

	if have, want := string(raw), body; have != want {
		t.Errorf("have %v, want %v", have, want)
	}
}

func TestClientGetRange(t *testing.T) {
	var (
		body = "abcdefghijklmnopqrstuvwxyz"
		r    = pat.New()
	)

	r.Get(RouteFile, func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		http.ServeContent(w, r, "alphabet.txt", time.Now(), bytes.NewReader([]byte(body)))
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	client := New(ts.URL, nil)

	file, err := client.GetRange(string(testToken), 5, 5)
	if err != nil {
		t.Fatal(err)
	}

	raw, err := io.ReadAll(file)
	file.Close()
	if err != nil {
		t.Fatal(err)
	}
	if have, want := string(raw), "fghij"; have != want {
		t.Errorf("have %q, want %q", have, want)
	}

	file, err = client.GetRange(string(testToken), 13, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	raw, err = io.ReadAll(file)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := string(raw), "nopqrstuvwxyz"; have != want {
		t.Errorf("have %q, want %q", have, want)
	}
}

func TestClientStat(t *testing.T) {
	var (
		sum     = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
		created = time.Now().UTC().Truncate(time.Second)
		expires = time.Now().UTC().Add(time.Hour)
		r       = pat.New()
	)

	r.Add("HEAD", RouteFile, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if have, want := r.URL.Query().Get(KeyToken), string(testToken); have != want {
			t.Fatalf("have %s, want %s", have, want)
		}

		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
		w.Header().Set("Content-Length", "1234")
		w.Header().Set(HeaderETag, `"`+sum+`"`)
		w.Header().Set(HeaderExpiresAt, expires.Format(timeFormat))
		w.Header().Set(HeaderLastModified, created.Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
	}))

	ts := httptest.NewServer(r)
	defer ts.Close()

	client := New(ts.URL, nil)

	file, err := client.Stat(string(testToken))
	if err != nil {
		t.Fatal(err)
	}

	if have, want := file.Token, testToken; have != want {
		t.Errorf("have %s, want %s", have, want)
	}
	if have, want := file.Name, "report.pdf"; have != want {
		t.Errorf("have %q, want %q", have, want)
	}
	if have, want := file.Size, int64(1234); have != want {
		t.Errorf("have %d, want %d", have, want)
	}
	if have, want := file.SHA256, sum; have != want {
		t.Errorf("have %q, want %q", have, want)
	}
	if have, want := file.ContentType, "application/pdf"; have != want {
		t.Errorf("have %q, want %q", have, want)
	}
	if !file.CreatedAt.Equal(created) {
		t.Errorf("have %v, want %v", file.CreatedAt, created)
	}
	if !file.ExpiresAt.Equal(expires) {
		t.Errorf("have %v, want %v", file.ExpiresAt, expires)
	}
}

func TestClientDelete(t *testing.T) {
	r := pat.New()

	r.Delete(RouteFile, func(w http.ResponseWriter, r *http.Request) {
		if have, want := r.URL.Query().Get(KeyToken), string(testToken); have != want {
			t.Fatalf("have %s, want %s", have, want)
		}

		respondJSON(w, http.StatusOK, ResponseDeleted{
			File: ResponseFile{
				Token: testToken,
				Name:  "bye.bin",
			},
		})
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	client := New(ts.URL, nil)

	file, err := client.Delete(string(testToken))
	if err != nil {
		t.Fatal(err)
	}

	if have, want := file.Name, "bye.bin"; have != want {
		t.Errorf("have %q, want %q", have, want)
	}
}

func TestClientList(t *testing.T) {
	var (
		limit  = 5
		prefix = "list"
		r      = pat.New()
	)

	r.Get(RouteFiles, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}

		var (
			limitValue = r.Form.Get(ParamLimit)
			list       = ResponseFileList{
				Count:    10,
				Duration: time.Millisecond,
				Files:    []ResponseFile{},
			}
		)

		for i := 0; i < 10; i++ {
			list.Files = append(list.Files, ResponseFile{
				Token:     testToken,
				Name:      strconv.Itoa(i),
				CreatedAt: time.Now(),
			})
		}

		if limitValue != "" {
			limit, err := strconv.Atoi(limitValue)
			if err != nil {
				t.Fatal(err)
			}

			if limit < len(list.Files) {
				list.Files = list.Files[:limit]
			}
		}

		respondJSON(w, http.StatusOK, list)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	client := New(ts.URL, nil)

	files, err := client.List(nil)
	if err != nil {
		t.Fatal(err)
	}

	if have, want := len(files), 10; have != want {
		t.Errorf("have %v, want %v", have, want)
	}

	files, err = client.List(&ListOptions{
		Limit:  uint64(limit),
		Prefix: prefix,
		Sort:   BySizeStrategy(false),
	})
	if err != nil {
		t.Fatal(err)
	}

	if have, want := len(files), 5; have != want {
		t.Errorf("have %d, want %d", have, want)
	}
}

func TestClientEmptyToken(t *testing.T) {
	client := New("lolcathost.org", nil)

	if _, err := client.Get(""); !IsEmptyToken(err) {
		t.Errorf("have %v, want %v", err, ErrEmptyToken)
	}
	if _, err := client.GetRange("", 0, -1); !IsEmptyToken(err) {
		t.Errorf("have %v, want %v", err, ErrEmptyToken)
	}
	if _, err := client.Stat(""); !IsEmptyToken(err) {
		t.Errorf("have %v, want %v", err, ErrEmptyToken)
	}
	if _, err := client.Delete(""); !IsEmptyToken(err) {
		t.Errorf("have %v, want %v", err, ErrEmptyToken)
	}
}

func TestClientErrorKinds(t *testing.T) {
	for _, tc := range []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusNotFound, IsFileNotFound},
		{http.StatusGone, IsGone},
		{http.StatusRequestEntityTooLarge, IsTooLarge},
		{http.StatusInsufficientStorage, IsQuotaExceeded},
	} {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			respondJSON(w, tc.status, &ResponseError{
				Code:  tc.status,
				Error: http.StatusText(tc.status),
			})
		}))

		_, err := New(ts.URL, nil).Get(string(testToken))
		if !tc.check(err) {
			t.Errorf("status %d: have %v", tc.status, err)
		}

		ts.Close()
	}

	// Range errors come back as plain text straight out of ServeContent.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
	}))
	defer ts.Close()

	_, err := New(ts.URL, nil).GetRange(string(testToken), 99, -1)
	if !errors.Is(err, ErrRangeNotSatisfiable) {
		t.Errorf("have %v, want %v", err, ErrRangeNotSatisfiable)
	}
}

func TestRequestError(t *testing.T) {
	ts := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			respondJSON(w, http.StatusBadRequest, &ResponseError{
				Code:  http.StatusBadRequest,
				Error: http.StatusText(http.StatusBadRequest),
			})
		}),
	)
	defer ts.Close()

	_, err := New(ts.URL, nil).request("GET", "/", nil, &struct{}{})
	if have, want := err, ErrClient; !IsClient(err) {
		t.Errorf("have %v, want %v", have, want)
	}
}

func respondJSON(w http.ResponseWriter, code int, obj interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	err := json.NewEncoder(w).Encode(obj)
	if err != nil {
		panic(err)
	}
}
