package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDeleteFailure(t *testing.T) {
	before := testutil.ToFloat64(deleteFailuresTotal.WithLabelValues("s3"))
	RecordDeleteFailure("s3")
	RecordDeleteFailure("s3")
	if got := testutil.ToFloat64(deleteFailuresTotal.WithLabelValues("s3")); got != before+2 {
		t.Errorf("delete failures = %v, want %v", got, before+2)
	}
}

func TestRecordContentDownload(t *testing.T) {
	before := testutil.ToFloat64(contentBytesDownloaded)
	RecordContentDownload(1000, true, true)
	if got := testutil.ToFloat64(contentBytesDownloaded); got != before+1000 {
		t.Errorf("bytes downloaded = %v, want %v", got, before+1000)
	}
	if got := testutil.ToFloat64(contentDownloadsTotal.WithLabelValues("success", "true")); got < 1 {
		t.Errorf("partial downloads = %v", got)
	}
}

func TestMiddleware(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "206"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/media/a", nil))
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "206")); got != before+1 {
		t.Errorf("requests = %v, want %v", got, before+1)
	}
}

func TestHandler(t *testing.T) {
	RecordStorageOperation("local", "get", time.Millisecond, true)
	RecordMultipartAbort()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"mediastore_storage_operations_total", "mediastore_multipart_aborts_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
