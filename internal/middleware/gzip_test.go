package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("echo: " + string(body)))
}

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestGzipMiddleware(t *testing.T) {
	tests := []struct {
		name            string
		body            []byte
		headers         map[string]string
		wantStatus      int
		wantEncoding    string
		wantBodyContain string
	}{
		{
			name: "json response is compressed",
			body: []byte(`{"duration":"1 day","keys":["A"]}`),
			headers: map[string]string{
				"Accept-Encoding": "gzip, deflate",
				"Content-Type":    "application/json",
			},
			wantStatus:      http.StatusOK,
			wantEncoding:    "gzip",
			wantBodyContain: `echo: {"duration":"1 day","keys":["A"]}`,
		},
		{
			name: "client does not accept gzip",
			body: []byte(`{"productType":"premium"}`),
			headers: map[string]string{
				"Content-Type": "application/json",
			},
			wantStatus:      http.StatusOK,
			wantBodyContain: `echo: {"productType":"premium"}`,
		},
		{
			name: "binary content is passed through",
			body: []byte("raw"),
			headers: map[string]string{
				"Accept-Encoding": "gzip",
				"Content-Type":    "application/octet-stream",
			},
			wantStatus:      http.StatusOK,
			wantBodyContain: "echo: raw",
		},
		{
			name: "compressed request body",
			headers: map[string]string{
				"Content-Encoding": "gzip",
				"Accept-Encoding":  "gzip",
				"Content-Type":     "text/plain",
			},
			wantStatus:      http.StatusOK,
			wantEncoding:    "gzip",
			wantBodyContain: "echo: KEY-1\nKEY-2",
		},
		{
			name: "broken gzip request body",
			body: []byte("definitely not gzip"),
			headers: map[string]string{
				"Content-Encoding": "gzip",
			},
			wantStatus:      http.StatusBadRequest,
			wantBodyContain: http.StatusText(http.StatusBadRequest),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := tt.body
			if tt.name == "compressed request body" {
				body = gzipBytes(t, "KEY-1\nKEY-2")
			}

			req := httptest.NewRequest(http.MethodPost, "/api/admin/keys", bytes.NewReader(body))
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()

			GzipMiddleware(http.HandlerFunc(echoHandler)).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			assert.Equal(t, tt.wantStatus, res.StatusCode)
			assert.Equal(t, tt.wantEncoding, res.Header.Get("Content-Encoding"))

			var reader io.Reader = res.Body
			if res.Header.Get("Content-Encoding") == "gzip" {
				gr, err := gzip.NewReader(res.Body)
				require.NoError(t, err)
				defer gr.Close()
				reader = gr
			}
			got, err := io.ReadAll(reader)
			require.NoError(t, err)
			assert.True(t, strings.Contains(string(got), tt.wantBodyContain), "body %q", got)
		})
	}
}

func TestGzipMiddleware_NoContentIsNotCompressed(t *testing.T) {
	req := httptest.NewRequest(http.MethodDelete, "/api/admin/keys/pool/1%20day?key=A", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()

	GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Zero(t, w.Body.Len())
}
