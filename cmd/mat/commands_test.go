// Copyright (c) 2025, the mathom authors.
// All rights reserved. Use of this source code is governed by the MIT
// license which can be found in the LICENSE file.

package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/pat"

	"github.com/mathomhouse/mathom/lib"
)

const testToken = "0123456789abcdefghij_-"

// newStubServer serves payload under testToken the way a mathom server
// would: metadata on HEAD, ranged content on GET.
func newStubServer(t *testing.T, name, payload string) *httptest.Server {
	t.Helper()

	var (
		sum      = sha256.Sum256([]byte(payload))
		modified = time.Now()
		r        = pat.New()
	)

	r.Add("HEAD", mathom.RouteFile, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Header().Set(mathom.HeaderETag, `"`+hex.EncodeToString(sum[:])+`"`)
		w.Header().Set(mathom.HeaderLastModified, modified.UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
	}))
	r.Get(mathom.RouteFile, func(w http.ResponseWriter, req *http.Request) {
		http.ServeContent(w, req, name, modified, strings.NewReader(payload))
	})

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	return ts
}

func runGet(ts *httptest.Server, output string) error {
	rootCmd.SetArgs([]string{"get", testToken, "--server", ts.URL, "--output", output})
	return rootCmd.Execute()
}

func TestGetCmd(t *testing.T) {
	var (
		payload = "twenty-six letters, give or take"
		ts      = newStubServer(t, "letters.txt", payload)
		output  = filepath.Join(t.TempDir(), "letters.txt")
	)

	if err := runGet(ts, output); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := string(raw), payload; have != want {
		t.Errorf("have %q, want %q", have, want)
	}

	// A second run finds the copy complete, skips the download and only
	// re-reads the file to verify its checksum.
	if err := runGet(ts, output); err != nil {
		t.Fatal(err)
	}
}

func TestGetCmdResume(t *testing.T) {
	var (
		payload = "abcdefghijklmnopqrstuvwxyz"
		ts      = newStubServer(t, "alphabet.txt", payload)
		output  = filepath.Join(t.TempDir(), "alphabet.txt")
	)

	if err := os.WriteFile(output, []byte(payload[:11]), 0644); err != nil {
		t.Fatal(err)
	}

	if err := runGet(ts, output); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := string(raw), payload; have != want {
		t.Errorf("have %q, want %q", have, want)
	}
}

func TestGetCmdChecksumMismatch(t *testing.T) {
	var (
		payload = "the bytes the server holds"
		ts      = newStubServer(t, "honest.bin", payload)
		output  = filepath.Join(t.TempDir(), "honest.bin")
	)

	// A local copy of the right size but the wrong content must not pass.
	stale := strings.Repeat("x", len(payload))
	if err := os.WriteFile(output, []byte(stale), 0644); err != nil {
		t.Fatal(err)
	}

	err := runGet(ts, output)
	if err == nil || !strings.Contains(err.Error(), "hashes to") {
		t.Errorf("have %v, want checksum mismatch", err)
	}
}

func TestGetCmdLongerThanStored(t *testing.T) {
	var (
		payload = "short"
		ts      = newStubServer(t, "short.bin", payload)
		output  = filepath.Join(t.TempDir(), "short.bin")
	)

	if err := os.WriteFile(output, []byte(payload+"and then some"), 0644); err != nil {
		t.Fatal(err)
	}

	err := runGet(ts, output)
	if err == nil || !strings.Contains(err.Error(), "more than") {
		t.Errorf("have %v, want local file too long", err)
	}
}

func TestPutCmd(t *testing.T) {
	var (
		payload = "bytes worth sharing"
		sum     = sha256.Sum256([]byte(payload))
		r       = pat.New()
	)

	r.Post(mathom.RouteUpload, func(w http.ResponseWriter, req *http.Request) {
		if have, want := req.URL.Query().Get(mathom.KeyName), "notes.txt"; have != want {
			t.Fatalf("have %s, want %s", have, want)
		}
		if have, want := req.ContentLength, int64(len(payload)); have != want {
			t.Fatalf("have %d, want %d", have, want)
		}
		if have, want := req.Header.Get(mathom.HeaderChecksum), hex.EncodeToString(sum[:]); have != want {
			t.Fatalf("have %s, want %s", have, want)
		}

		defer req.Body.Close()

		raw, err := io.ReadAll(req.Body)
		if err != nil {
			t.Fatal(err)
		}
		if have, want := string(raw), payload; have != want {
			t.Fatalf("have %q, want %q", have, want)
		}

		respondJSON(w, http.StatusCreated, mathom.ResponseCreated{
			File: mathom.ResponseFile{
				Token: testToken,
				Name:  "notes.txt",
				Size:  int64(len(raw)),
			},
		})
	})

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	input := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(input, []byte(payload), 0644); err != nil {
		t.Fatal(err)
	}

	rootCmd.SetArgs([]string{"put", input, "--server", ts.URL, "--checksum"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}
}

func respondJSON(w http.ResponseWriter, code int, obj interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(obj); err != nil {
		panic(err)
	}
}
