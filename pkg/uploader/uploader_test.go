package uploader

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/ocitool/ocitool/pkg/ocidigest"
	"github.com/ocitool/ocitool/pkg/ociref"
	"github.com/ocitool/ocitool/pkg/registryclient"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	l, err := zap.NewDevelopment()
	if err != nil {
		t.Fatal(err)
	}
	return l.Sugar()
}

func TestBlobExistsHeadOK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	client := registryclient.New(testLogger(t), nil)
	ref := ociref.Reference{RegistryURL: server.URL, FullName: "owner/app", Service: "svc"}
	u := New(client, testLogger(t))

	exists, err := u.BlobExists(context.Background(), ref, ocidigest.FromBytes([]byte("x")))
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Error("expected BlobExists to report true on HTTP 200")
	}
}

func TestBlobExistsCachesAcrossCalls(t *testing.T) {
	var headCount int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			headCount++
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	client := registryclient.New(testLogger(t), nil)
	ref := ociref.Reference{RegistryURL: server.URL, FullName: "owner/app", Service: "svc"}
	u := New(client, testLogger(t))
	d := ocidigest.FromBytes([]byte("x"))

	u.BlobExists(context.Background(), ref, d)
	u.BlobExists(context.Background(), ref, d)

	if headCount != 1 {
		t.Errorf("expected one HEAD request due to in-process caching, got %d", headCount)
	}
}

func TestBlobExistsErrorsOn5xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := registryclient.New(testLogger(t), nil)
	ref := ociref.Reference{RegistryURL: server.URL, FullName: "owner/app", Service: "svc"}
	u := New(client, testLogger(t))

	if _, err := u.BlobExists(context.Background(), ref, ocidigest.FromBytes([]byte("x"))); err == nil {
		t.Fatal("expected an error on a 5xx HEAD response")
	}
}

func TestPushBlobSkipsUploadWhenExists(t *testing.T) {
	var postCalled bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case http.MethodPost:
			postCalled = true
		}
	}))
	defer server.Close()

	client := registryclient.New(testLogger(t), nil)
	ref := ociref.Reference{RegistryURL: server.URL, FullName: "owner/app", Service: "svc"}
	u := New(client, testLogger(t))

	data := []byte("blob data")
	if err := u.PushBlob(context.Background(), ref, ocidigest.FromBytes(data), data); err != nil {
		t.Fatal(err)
	}
	if postCalled {
		t.Error("expected no upload POST when blob already exists")
	}
}

func TestPushBlobTwoPhaseUpload(t *testing.T) {
	data := []byte("new blob data")
	digest := ocidigest.FromBytes(data)
	var putBody []byte

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost:
			w.Header().Set("Location", server.URL+"/v2/owner/app/blobs/uploads/abc123")
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPut:
			putBody, _ = io.ReadAll(r.Body)
			if r.URL.Query().Get("digest") != digest.String() {
				t.Errorf("PUT missing digest query param: %s", r.URL.String())
			}
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer server.Close()

	client := registryclient.New(testLogger(t), nil)
	ref := ociref.Reference{RegistryURL: server.URL, FullName: "owner/app", Service: "svc"}
	u := New(client, testLogger(t))

	if err := u.PushBlob(context.Background(), ref, digest, data); err != nil {
		t.Fatal(err)
	}
	if string(putBody) != string(data) {
		t.Errorf("PUT body = %q, want %q", putBody, data)
	}
}

func TestPushManifestSetsContentType(t *testing.T) {
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := registryclient.New(testLogger(t), nil)
	ref := ociref.Reference{RegistryURL: server.URL, FullName: "owner/app", Service: "svc"}
	u := New(client, testLogger(t))

	err := u.PushManifest(context.Background(), ref, "latest", "application/vnd.oci.image.manifest.v1+json", []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if gotContentType != "application/vnd.oci.image.manifest.v1+json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
}
