package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGzipMiddleware(t *testing.T) {
	payload := `{"balance": 2.5, "currency": "USD"}`

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read request body: %v", err)
		}
		if len(body) > 0 && string(body) != payload {
			t.Fatalf("request body = %q, want %q", body, payload)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(payload))
	})

	ts := httptest.NewServer(GzipMiddleware(handler))
	defer ts.Close()

	tests := []struct {
		name           string
		acceptEncoding string
		compressBody   bool
		wantCompressed bool
	}{
		{
			name:           "plain request plain response",
			acceptEncoding: "",
			wantCompressed: false,
		},
		{
			name:           "client accepts gzip",
			acceptEncoding: "gzip",
			wantCompressed: true,
		},
		{
			name:           "compressed request body",
			acceptEncoding: "",
			compressBody:   true,
			wantCompressed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader = strings.NewReader(payload)
			if tt.compressBody {
				var buf bytes.Buffer
				gz := gzip.NewWriter(&buf)
				_, _ = gz.Write([]byte(payload))
				_ = gz.Close()
				body = &buf
			}

			req, err := http.NewRequest(http.MethodPost, ts.URL, body)
			if err != nil {
				t.Fatalf("new request: %v", err)
			}
			if tt.acceptEncoding != "" {
				req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			}
			if tt.compressBody {
				req.Header.Set("Content-Encoding", "gzip")
			}

			transport := &http.Transport{DisableCompression: true}
			resp, err := (&http.Client{Transport: transport}).Do(req)
			if err != nil {
				t.Fatalf("do request: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}

			gotEncoding := resp.Header.Get("Content-Encoding")
			if tt.wantCompressed && gotEncoding != "gzip" {
				t.Fatalf("content-encoding = %q, want gzip", gotEncoding)
			}
			if !tt.wantCompressed && gotEncoding == "gzip" {
				t.Fatalf("response compressed unexpectedly")
			}

			var reader io.Reader = resp.Body
			if tt.wantCompressed {
				gr, err := gzip.NewReader(resp.Body)
				if err != nil {
					t.Fatalf("gzip reader: %v", err)
				}
				defer gr.Close()
				reader = gr
			}

			got, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("read response: %v", err)
			}
			if string(got) != payload {
				t.Fatalf("response body = %q, want %q", got, payload)
			}
		})
	}
}

func TestGzipMiddleware_BadRequestBody(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not be reached")
	})

	ts := httptest.NewServer(GzipMiddleware(handler))
	defer ts.Close()

	req, err := http.NewRequest(http.MethodPost, ts.URL, strings.NewReader("not gzip at all"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
