package backup

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeS3 answers the subset of S3 calls Client makes, path-style,
// for a single bucket
type fakeS3 struct {
	bucket string

	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3(t *testing.T) (*fakeS3, *Config) {
	s := &fakeS3{
		bucket:  "logkv-test",
		objects: map[string][]byte{},
	}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	config := &Config{
		Access:   "access",
		Secret:   "secret1234",
		Bucket:   s.bucket,
		Endpoint: strings.TrimPrefix(srv.URL, "http://"),
		Region:   "us-east-1",
		Prefix:   "backups",
		Insecure: true,
	}
	return s, config
}

func (s *fakeS3) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.objects[key]
	return d, ok
}

func writeS3Error(w http.ResponseWriter, r *http.Request, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message><Resource>%s</Resource><RequestId>1</RequestId></Error>`, code, code, r.URL.Path)
}

// decodeAwsChunked decodes "aws-chunked" upload body:
// ${hex size}[;chunk-signature=...]\r\n${data}\r\n ... 0...\r\n[trailers]
func decodeAwsChunked(d []byte) ([]byte, error) {
	br := bufio.NewReader(bytes.NewReader(d))
	var res []byte
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeStr, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		n, err := strconv.ParseInt(sizeStr, 16, 64)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return res, nil
		}
		chunk := make([]byte, n)
		if _, err = io.ReadFull(br, chunk); err != nil {
			return nil, err
		}
		res = append(res, chunk...)
		if _, err = br.ReadString('\n'); err != nil {
			return nil, err
		}
	}
}

func readBody(r *http.Request) ([]byte, error) {
	d, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	chunked := strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") ||
		r.Header.Get("X-Amz-Decoded-Content-Length") != ""
	if !chunked {
		return d, nil
	}
	return decodeAwsChunked(d)
}

func etag(d []byte) string {
	sum := md5.Sum(d)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (s *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if bucket != s.bucket {
		writeS3Error(w, r, http.StatusNotFound, "NoSuchBucket")
		return
	}
	if key == "" {
		if _, ok := r.URL.Query()["location"]; ok {
			w.Header().Set("Content-Type", "application/xml")
			fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><LocationConstraint>us-east-1</LocationConstraint>`)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	switch r.Method {
	case http.MethodPut:
		d, err := readBody(r)
		if err != nil {
			writeS3Error(w, r, http.StatusBadRequest, "IncompleteBody")
			return
		}
		s.mu.Lock()
		s.objects[key] = d
		s.mu.Unlock()
		w.Header().Set("ETag", etag(d))
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		d, ok := s.get(key)
		if !ok {
			writeS3Error(w, r, http.StatusNotFound, "NoSuchKey")
			return
		}
		h := w.Header()
		h.Set("Content-Type", contentType)
		h.Set("Content-Length", strconv.Itoa(len(d)))
		h.Set("ETag", etag(d))
		h.Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(d)
		}
	default:
		writeS3Error(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}
