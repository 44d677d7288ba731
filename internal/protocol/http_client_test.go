package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func connectHTTP(t *testing.T, baseURL string, extra Config) *HTTPClient {
	t.Helper()
	client := NewHTTPClient(zaptest.NewLogger(t))
	cfg := Config{KeyBaseURL: baseURL, KeyRetryCount: 0}
	for k, v := range extra {
		cfg[k] = v
	}
	require.NoError(t, client.Connect(context.Background(), cfg))
	t.Cleanup(func() { client.Disconnect() })
	return client
}

func TestHTTPClientGetWithParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/status", r.URL.Path)
		assert.Equal(t, "7", r.URL.Query().Get("line"))
		assert.Equal(t, "plc", r.Header.Get("X-Client"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"running":true}`))
	}))
	defer srv.Close()

	client := connectHTTP(t, srv.URL+"/api/", Config{KeyHeaders: map[string]interface{}{"X-Client": "plc"}})

	var seen int32
	client.OnResponse(func(*HTTPResult) { atomic.AddInt32(&seen, 1) })

	result, err := client.Get(context.Background(), "/status", map[string]string{"line": "7"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, map[string]interface{}{"running": true}, result.Data)
	assert.Equal(t, "application/json", result.Headers["Content-Type"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&seen))
}

func TestHTTPClientErrorStatusIsAResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	client := connectHTTP(t, srv.URL, nil)
	var errs int32
	client.OnError(func(error) { atomic.AddInt32(&errs, 1) })

	result, err := client.Get(context.Background(), "missing", nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, http.StatusNotFound, result.StatusCode)
	assert.Equal(t, "HTTP 404", result.Error)
	assert.Equal(t, "nope\n", result.Data)
	assert.Zero(t, atomic.LoadInt32(&errs))
}

func TestHTTPClientRetriesServiceUnavailable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := connectHTTP(t, srv.URL, Config{KeyRetryCount: 1})
	result, err := client.Get(context.Background(), "", nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "ok", result.Text)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHTTPClientGivesUpAfterRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := connectHTTP(t, srv.URL, Config{KeyRetryCount: 1})
	result, err := client.Get(context.Background(), "", nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, http.StatusBadGateway, result.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHTTPClientAuthHeaders(t *testing.T) {
	auth := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
	}))
	defer srv.Close()

	client := connectHTTP(t, srv.URL, nil)

	require.NoError(t, client.SetToken("abc", ""))
	_, err := client.Delete(context.Background(), "/x")
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", <-auth)

	require.NoError(t, client.SetAuth("user", "pass", "basic"))
	_, err = client.Get(context.Background(), "/x", nil)
	require.NoError(t, err)
	assert.Equal(t, "Basic dXNlcjpwYXNz", <-auth)

	assert.Error(t, client.SetAuth("u", "p", "digest"))
}

func TestHTTPClientJSONMethods(t *testing.T) {
	type call struct {
		method      string
		contentType string
		body        map[string]interface{}
	}
	calls := make(chan call, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		calls <- call{r.Method, r.Header.Get("Content-Type"), body}
	}))
	defer srv.Close()

	client := connectHTTP(t, srv.URL, nil)
	ctx := context.Background()

	_, err := client.PostJSON(ctx, "/a", map[string]int{"v": 1})
	require.NoError(t, err)
	_, err = client.Put(ctx, "/a", map[string]int{"v": 2})
	require.NoError(t, err)
	_, err = client.Patch(ctx, "/a", map[string]int{"v": 3})
	require.NoError(t, err)

	for i, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch} {
		c := <-calls
		assert.Equal(t, method, c.method)
		assert.Equal(t, "application/json", c.contentType)
		assert.Equal(t, float64(i+1), c.body["v"])
	}
}

func TestHTTPClientSendPostsToBaseURL(t *testing.T) {
	bodies := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		if string(data) == "fail" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		bodies <- r.Header.Get("Content-Type") + "|" + string(data)
	}))
	defer srv.Close()

	client := connectHTTP(t, srv.URL, nil)

	require.NoError(t, client.Send("hi"))
	assert.Equal(t, "text/plain; charset=utf-8|hi", <-bodies)

	err := client.Send("fail")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")

	_, ok := client.Receive(time.Millisecond)
	assert.False(t, ok)
}

func TestHTTPClientTransportFailure(t *testing.T) {
	addr := freeAddr(t)
	client := connectHTTP(t, "http://"+addr, Config{KeyTimeout: 1})

	var results int32
	client.OnResponse(func(r *HTTPResult) {
		if r.Error != "" {
			atomic.AddInt32(&results, 1)
		}
	})
	errs := make(chan error, 1)
	client.OnError(func(err error) { errs <- err })

	result, err := client.Get(context.Background(), "/", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIO))
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, int32(1), atomic.LoadInt32(&results))
	assert.Error(t, <-errs)
}

func TestHTTPClientDownloadAndUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Write([]byte("firmware-image"))
		case http.MethodPost:
			file, header, err := r.FormFile("image")
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(file)
			json.NewEncoder(w).Encode(map[string]string{
				"name":    header.Filename,
				"content": string(data),
				"device":  r.FormValue("device"),
			})
		}
	}))
	defer srv.Close()

	client := connectHTTP(t, srv.URL, nil)
	dir := t.TempDir()
	path := filepath.Join(dir, "fw.bin")

	require.NoError(t, client.Download(context.Background(), "/fw", path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "firmware-image", string(data))

	result, err := client.Upload(context.Background(), "/upload", path, "image", map[string]string{"device": "plc-1"})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, map[string]interface{}{
		"name":    "fw.bin",
		"content": "firmware-image",
		"device":  "plc-1",
	}, result.Data)
}

func TestHTTPClientDownloadErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := connectHTTP(t, srv.URL, nil)
	var errCount int32
	client.OnError(func(error) { atomic.AddInt32(&errCount, 1) })

	path := filepath.Join(t.TempDir(), "missing.bin")
	err := client.Download(context.Background(), "/missing", path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIO))
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), atomic.LoadInt32(&errCount))
	assert.NoFileExists(t, path)
}

func TestHTTPClientNotConnected(t *testing.T) {
	client := NewHTTPClient(nil)

	_, err := client.Get(context.Background(), "/", nil)
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.True(t, errors.Is(client.SetToken("x", ""), ErrNotConnected))

	var disconnects int32
	client.OnDisconnect(func() { atomic.AddInt32(&disconnects, 1) })
	require.NoError(t, client.Disconnect())
	assert.Zero(t, atomic.LoadInt32(&disconnects))
}
