package metrics

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestAndNormalizePath(t *testing.T) {
	recorder := New()

	type testCase struct {
		name     string
		method   string
		path     string
		status   int
		duration time.Duration
	}

	cases := []testCase{
		{name: "root path", method: "get", path: "/", status: 200, duration: 50 * time.Millisecond},
		{name: "empty path", method: "GET", path: "", status: 200, duration: 25 * time.Millisecond},
		{name: "id segment", method: "post", path: "/events/123", status: 201, duration: 100 * time.Millisecond},
		{name: "trailing slash and alpha id", method: "POST", path: "/events/abc123def/", status: 201, duration: 50 * time.Millisecond},
		{name: "multi ids", method: "PATCH", path: "uploads/abc/456/extra", status: 404, duration: 10 * time.Millisecond},
	}

	expectedCounts := make(map[requestLabel]struct {
		count    uint64
		duration time.Duration
	})

	for _, tc := range cases {
		recorder.ObserveRequest(tc.method, tc.path, tc.status, tc.duration)

		label := requestLabel{
			method: strings.ToUpper(tc.method),
			path:   normalizePath(tc.path),
			status: fmt.Sprintf("%d", tc.status),
		}
		current := expectedCounts[label]
		current.count++
		current.duration += tc.duration
		expectedCounts[label] = current
	}

	if len(recorder.requestCount) != len(expectedCounts) {
		t.Fatalf("unexpected number of labels: got %d want %d", len(recorder.requestCount), len(expectedCounts))
	}

	for label, expected := range expectedCounts {
		gotCount := recorder.requestCount[label]
		gotDuration := recorder.requestDuration[label]
		if gotCount != expected.count {
			t.Errorf("count mismatch for %+v: got %d want %d", label, gotCount, expected.count)
		}
		if gotDuration != expected.duration {
			t.Errorf("duration mismatch for %+v: got %s want %s", label, gotDuration, expected.duration)
		}
	}

	labels := recorder.sortedRequestLabels()
	sortedExpected := make([]requestLabel, 0, len(expectedCounts))
	for label := range expectedCounts {
		sortedExpected = append(sortedExpected, label)
	}
	sort.Slice(sortedExpected, func(i, j int) bool {
		if sortedExpected[i].method != sortedExpected[j].method {
			return sortedExpected[i].method < sortedExpected[j].method
		}
		if sortedExpected[i].path != sortedExpected[j].path {
			return sortedExpected[i].path < sortedExpected[j].path
		}
		return sortedExpected[i].status < sortedExpected[j].status
	})

	if len(labels) != len(sortedExpected) {
		t.Fatalf("sorted labels length mismatch: got %d want %d", len(labels), len(sortedExpected))
	}

	for i := range labels {
		if labels[i] != sortedExpected[i] {
			t.Errorf("sorted label %d mismatch: got %+v want %+v", i, labels[i], sortedExpected[i])
		}
	}
}

func TestUploadGaugeConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	starts := 100
	finishes := 100

	// Every upload starts before it finishes, as in the uploader; the gauge
	// clamps at zero, so a finish racing ahead of its start would be lost.
	wg.Add(starts)
	for i := 0; i < starts; i++ {
		go func() {
			defer wg.Done()
			recorder.UploadStarted()
		}()
	}
	wg.Wait()

	wg.Add(finishes)
	for i := 0; i < finishes; i++ {
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				recorder.UploadFinished("uploaded")
			} else {
				recorder.UploadFinished("failed")
			}
		}(i)
	}

	wg.Wait()

	if active := recorder.ActiveUploads(); active != 0 {
		t.Fatalf("active uploads after every start finished = %d, want 0", active)
	}

	if count := recorder.uploadAttempts["uploaded"]; count != 50 {
		t.Fatalf("unexpected uploaded count: got %d want 50", count)
	}
	if count := recorder.uploadAttempts["failed"]; count != 50 {
		t.Fatalf("unexpected failed count: got %d want 50", count)
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/events/abc123", 200, 150*time.Millisecond)
	recorder.ObserveRequest("get", "/events/pending", 200, 50*time.Millisecond)
	recorder.ObserveRequest("POST", "/events/new", 201, time.Second)

	recorder.UploadStarted()
	recorder.UploadStarted()
	recorder.UploadFinished("uploaded")

	recorder.ObserveIngestRestart(" cam-01 ")
	recorder.ObserveIngestRestart("cam-01")

	recorder.ObserveSyncInstall("applied")

	recorder.ObserveWatchdogCheck("vss_ingest", "ok")
	recorder.SetWatchdogCritical(1)

	var buf bytes.Buffer
	recorder.Write(&buf)

	expected := `# HELP edge_http_requests_total Total number of HTTP requests processed by the aggregator
# TYPE edge_http_requests_total counter
edge_http_requests_total{method="GET",path="/events/:id",status="200"} 1
edge_http_requests_total{method="GET",path="/events/pending",status="200"} 1
edge_http_requests_total{method="POST",path="/events/new",status="201"} 1
# HELP edge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds
# TYPE edge_http_request_duration_seconds_sum counter
edge_http_request_duration_seconds_sum{method="GET",path="/events/:id",status="200"} 0.150000
edge_http_request_duration_seconds_sum{method="GET",path="/events/pending",status="200"} 0.050000
edge_http_request_duration_seconds_sum{method="POST",path="/events/new",status="201"} 1.000000
# HELP edge_upload_attempts_total Upload attempts by terminal outcome
# TYPE edge_upload_attempts_total counter
edge_upload_attempts_total{outcome="uploaded"} 1
# HELP edge_active_uploads Current number of uploads being processed
# TYPE edge_active_uploads gauge
edge_active_uploads 1
# HELP edge_active_cameras Current number of running camera segmenters
# TYPE edge_active_cameras gauge
edge_active_cameras 0
# HELP edge_ingest_restarts_total Camera segmenter restarts by camera
# TYPE edge_ingest_restarts_total counter
edge_ingest_restarts_total{camera_id="cam-01"} 2
# HELP edge_sync_installs_total Model/KB package installs by outcome
# TYPE edge_sync_installs_total counter
edge_sync_installs_total{outcome="applied"} 1
# HELP edge_watchdog_checks_total Health probes by service and status
# TYPE edge_watchdog_checks_total counter
edge_watchdog_checks_total{service="vss_ingest",status="ok"} 1
# HELP edge_watchdog_critical_services Current number of services in the CRITICAL state
# TYPE edge_watchdog_critical_services gauge
edge_watchdog_critical_services 1`

	if diff := compareLines(buf.String(), expected); diff != "" {
		t.Fatalf("unexpected write output:\n%s", diff)
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))

	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}

	if diff := compareLines(res.Body.String(), expected); diff != "" {
		t.Fatalf("unexpected handler output:\n%s", diff)
	}
}

func compareLines(actual, expected string) string {
	actualLines := strings.Split(strings.TrimSpace(actual), "\n")
	expectedLines := strings.Split(strings.TrimSpace(expected), "\n")
	if len(actualLines) != len(expectedLines) {
		return formatDiff(actualLines, expectedLines)
	}
	for i := range actualLines {
		if actualLines[i] != expectedLines[i] {
			return formatDiff(actualLines, expectedLines)
		}
	}
	return ""
}

func formatDiff(actual, expected []string) string {
	var b strings.Builder
	b.WriteString("expected\n")
	for _, line := range expected {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("got\n")
	for _, line := range actual {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
