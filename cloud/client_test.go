package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
)

type values map[string]string

func (v values) StringValue(path string) (string, error) {
	s, ok := v[path]
	if !ok {
		return "", errors.New("not set: " + path)
	}
	return s, nil
}

func newTestClient(t *testing.T, srv *httptest.Server, opts Options) *Client {
	t.Helper()
	c, err := NewClient(testr.New(t), values{
		"cloud.url":      srv.URL,
		"cloud.endpoint": "/v2/devices/api/get",
		"cloud.key":      "s3cr3t",
	}, opts)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestFetchRequestShape(t *testing.T) {
	var (
		gotBody   map[string]json.RawMessage
		gotPath   string
		gotKey    string
		gotCT     string
		gotAgent  string
		gotMethod string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("auth_key")
		gotCT = r.Header.Get("Content-Type")
		gotAgent = r.Header.Get("User-Agent")
		data, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(data, &gotBody); err != nil {
			t.Errorf("request body is not JSON: %v", err)
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	ids := []string{"c", "a", "b"}
	data, err := newTestClient(t, srv, Options{}).Fetch(context.Background(), ids)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "[]" {
		t.Errorf("body = %q", data)
	}

	if gotMethod != http.MethodPost || gotPath != "/v2/devices/api/get" || gotKey != "s3cr3t" {
		t.Errorf("request = %s %s auth_key=%s", gotMethod, gotPath, gotKey)
	}
	if gotCT != "application/json" {
		t.Errorf("Content-Type = %q", gotCT)
	}
	if gotAgent != DefaultUserAgent {
		t.Errorf("User-Agent = %q", gotAgent)
	}

	var gotIDs []string
	json.Unmarshal(gotBody["ids"], &gotIDs)
	if !reflect.DeepEqual(gotIDs, ids) {
		t.Errorf("ids = %v, want %v", gotIDs, ids)
	}
	var pick struct {
		Status   []string `json:"status"`
		Settings []string `json:"settings"`
	}
	json.Unmarshal(gotBody["pick"], &pick)
	if !reflect.DeepEqual(pick.Status, []string{"ts", "temperature:0", "humidity:0", "devicepower:0", "sys"}) {
		t.Errorf("pick.status = %v", pick.Status)
	}
	if string(gotBody["select"]) != `["status"]` {
		t.Errorf("select = %s", gotBody["select"])
	}
	if !strings.Contains(string(gotBody["pick"]), `"settings":[]`) {
		t.Errorf("pick.settings not an empty array: %s", gotBody["pick"])
	}
}

func TestNewPollRequestEmpty(t *testing.T) {
	data, err := json.Marshal(NewPollRequest(nil))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"ids":[],"select":["status"],"pick":{"status":["ts","temperature:0","humidity:0","devicepower:0","sys"],"settings":[]}}`
	if string(data) != want {
		t.Errorf("body = %s\nwant  %s", data, want)
	}
}

func TestFetchErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		opts    Options
		check   func(t *testing.T, err *TransportError)
	}{
		{
			name: "non-2xx",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "bad key", http.StatusUnauthorized)
			},
			check: func(t *testing.T, err *TransportError) {
				if err.StatusCode != http.StatusUnauthorized {
					t.Errorf("status = %d", err.StatusCode)
				}
			},
		},
		{
			name: "too large",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(strings.Repeat("x", 64)))
			},
			opts: Options{MaxResponseBytes: 16},
			check: func(t *testing.T, err *TransportError) {
				if !errors.Is(err, ErrResponseTooLarge) {
					t.Errorf("err = %v, want ErrResponseTooLarge", err)
				}
			},
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(200 * time.Millisecond)
				w.Write([]byte("[]"))
			},
			opts: Options{Timeout: 20 * time.Millisecond},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := newTestClient(t, srv, tt.opts).Fetch(context.Background(), []string{"A"})
			var te *TransportError
			if !errors.As(err, &te) {
				t.Fatalf("err = %v, want *TransportError", err)
			}
			if tt.check != nil {
				tt.check(t, te)
			}
		})
	}
}

func TestFetchExactCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[1234567890123]"))
	}))
	defer srv.Close()

	data, err := newTestClient(t, srv, Options{MaxResponseBytes: 15}).Fetch(context.Background(), nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(data) != 15 {
		t.Errorf("len = %d", len(data))
	}
}

func TestFetchConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := newTestClient(t, srv, Options{})
	srv.Close()

	_, err := c.Fetch(context.Background(), []string{"A"})
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "post" {
		t.Fatalf("err = %v, want post TransportError", err)
	}
}
