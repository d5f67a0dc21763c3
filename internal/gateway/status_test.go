package gateway

import (
	"net/http"
	"testing"
	"time"

	"github.com/JasdewStarfield/nanobot/internal/cron"
)

func TestStatus_ReportsComponents(t *testing.T) {
	t.Parallel()

	f := newFixture(t, authed())
	seedSession(t, f, "cli:direct", "hi")
	if _, err := f.jobs.AddJob("hourly", cron.Every(time.Hour), cron.Payload{Message: "m"}); err != nil {
		t.Fatal(err)
	}
	f.metrics.ObserveTurn("cron", true, time.Second)

	resp := f.do(t, http.MethodGet, "/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	st := decode[StatusResponse](t, resp)

	if st.Sessions != 1 {
		t.Errorf("sessions = %d, want 1", st.Sessions)
	}
	if st.Scheduler == nil || st.Scheduler.Jobs != 1 || st.Scheduler.EnabledJobs != 1 {
		t.Errorf("scheduler = %+v", st.Scheduler)
	}
	if st.Heartbeat != nil {
		t.Errorf("heartbeat = %+v, want omitted", st.Heartbeat)
	}
	if st.Metrics.Turns != 1 || st.Metrics.Failures != 1 {
		t.Errorf("metrics = %+v", st.Metrics)
	}
}

func TestStatus_RequiresAuth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, authed())
	resp, err := f.srv.Client().Get(f.srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}
