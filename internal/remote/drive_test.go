package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/driveops/garch/internal/config"
	"github.com/driveops/garch/internal/util"
)

func newTestDrive(t *testing.T, srv *httptest.Server) *Drive {
	t.Helper()
	auth := config.AuthConfig{TokenJSON: `{"access_token":"test-token","token_type":"Bearer"}`}
	cfg := config.DriveRemote{Endpoint: srv.URL, UploadEndpoint: srv.URL + "/upload"}
	drive, err := NewDrive(context.Background(), auth, cfg, 256*1024, util.Policy{Attempts: 1}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new drive: %v", err)
	}
	return drive
}

func TestDriveStat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Errorf("missing bearer token")
		}
		fmt.Fprint(w, `{"id":"abc","name":"Reports","mimeType":"application/vnd.google-apps.folder","parents":["parent-1"]}`)
	}))
	defer srv.Close()

	item, err := newTestDrive(t, srv).Stat(context.Background(), "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !item.IsFolder || item.Name != "Reports" || item.Parent != "parent-1" {
		t.Fatalf("unexpected item: %+v", item)
	}
}

func TestDriveListPaging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if !strings.Contains(q, "'folder-1' in parents") || !strings.Contains(q, "trashed=false") {
			t.Errorf("unexpected query: %s", q)
		}
		if r.URL.Query().Get("pageToken") == "" {
			fmt.Fprint(w, `{"nextPageToken":"p2","files":[{"id":"f1","name":"a.txt","mimeType":"text/plain","size":"10"}]}`)
			return
		}
		fmt.Fprint(w, `{"files":[{"id":"f2","name":"doc","mimeType":"application/vnd.google-apps.document"}]}`)
	}))
	defer srv.Close()

	items, err := newTestDrive(t, srv).List(context.Background(), "folder-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items across pages, got %d", len(items))
	}
	if items[0].Size != 10 || !items[0].HasBytes {
		t.Fatalf("unexpected file item: %+v", items[0])
	}
	// Drive-native docs have no size and no downloadable bytes.
	if items[1].HasBytes {
		t.Fatalf("native document should have no bytes: %+v", items[1])
	}
}

func TestDriveOpenRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") != "media" {
			t.Errorf("expected alt=media, got %s", r.URL.RawQuery)
		}
		fmt.Fprint(w, "hello bytes")
	}))
	defer srv.Close()

	stream, err := newTestDrive(t, srv).OpenRead(context.Background(), "f1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "hello bytes" {
		t.Fatalf("unexpected payload: %q", data)
	}
}

func TestDriveUploadChunked(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 600*1024)
	var got bytes.Buffer
	var ranges []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/upload/files"):
			if r.URL.Query().Get("uploadType") != "resumable" {
				t.Errorf("expected resumable upload, got %s", r.URL.RawQuery)
			}
			var meta struct {
				Name    string   `json:"name"`
				Parents []string `json:"parents"`
			}
			if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
				t.Errorf("decode metadata: %v", err)
			}
			if meta.Name != "Reports.tar.xz" || len(meta.Parents) != 1 || meta.Parents[0] != "parent-1" {
				t.Errorf("unexpected metadata: %+v", meta)
			}
			w.Header().Set("Location", "http://"+r.Host+"/upload/session/s1")
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPut && r.URL.Path == "/upload/session/s1":
			ranges = append(ranges, r.Header.Get("Content-Range"))
			io.Copy(&got, r.Body)
			if strings.HasSuffix(r.Header.Get("Content-Range"), "/*") {
				w.WriteHeader(http.StatusPermanentRedirect)
				return
			}
			fmt.Fprintf(w, `{"id":"new-id","name":"Reports.tar.xz","size":"%d","md5Checksum":"digest"}`, got.Len())
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL)
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	res, err := newTestDrive(t, srv).Upload(context.Background(), "parent-1", "Reports.tar.xz", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ID != "new-id" || res.Bytes != int64(len(payload)) || res.MD5 != "digest" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !bytes.Equal(got.Bytes(), payload) {
		t.Fatalf("uploaded payload mismatch: %d vs %d bytes", got.Len(), len(payload))
	}
	if len(ranges) != 3 {
		t.Fatalf("expected 3 chunks, got %v", ranges)
	}
	if ranges[0] != "bytes 0-262143/*" {
		t.Fatalf("unexpected first range: %s", ranges[0])
	}
	if ranges[2] != fmt.Sprintf("bytes 524288-%d/%d", len(payload)-1, len(payload)) {
		t.Fatalf("unexpected final range: %s", ranges[2])
	}
}

func TestDriveUploadFailureCancelsSession(t *testing.T) {
	var cancelled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.Header().Set("Location", "http://"+r.Host+"/upload/session/s1")
		case r.Method == http.MethodPut:
			http.Error(w, `{"error":"quota"}`, http.StatusForbidden)
		case r.Method == http.MethodDelete:
			cancelled = true
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	_, err := newTestDrive(t, srv).Upload(context.Background(), "parent-1", "x.tar.xz", strings.NewReader("data"))
	if err == nil {
		t.Fatalf("expected upload to fail")
	}
	if StageOf(err) != StageUpload {
		t.Fatalf("expected upload stage, got %q", StageOf(err))
	}
	if !cancelled {
		t.Fatalf("expected the upload session to be cancelled")
	}
}

func TestDriveErrorClassification(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", status)
	}))
	defer srv.Close()
	drive := newTestDrive(t, srv)

	_, err := drive.Stat(context.Background(), "abc")
	if !util.IsTransient(err) {
		t.Fatalf("expected 503 to be transient, got %v", err)
	}

	status = http.StatusUnauthorized
	_, err = drive.Stat(context.Background(), "abc")
	if StageOf(err) != StageCredential {
		t.Fatalf("expected credential error, got %v", err)
	}
	if util.IsTransient(err) {
		t.Fatalf("credential errors must not be retried")
	}
}

func TestDriveDelete(t *testing.T) {
	var deleted string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("unexpected method: %s", r.Method)
		}
		deleted = strings.TrimPrefix(r.URL.Path, "/files/")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := newTestDrive(t, srv).Delete(context.Background(), "folder-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != "folder-1" {
		t.Fatalf("unexpected deleted id: %s", deleted)
	}
}
