package relay

import (
	"net/url"
	"testing"

	"github.com/apiteam/test-manager/internal/envelope"
	"github.com/apiteam/test-manager/internal/testutil"
	"github.com/apiteam/test-manager/internal/transport/redisbus"
)

func resumeURL(jobID, scopeID string) string {
	q := url.Values{}
	q.Set("jobId", jobID)
	q.Set("scopeId", scopeID)
	return testBase + EndpointCurrentTest + "?" + q.Encode()
}

func (f *fixture) storeJob(jobID, scopeID string) {
	f.bus.hashes[redisbus.JobKey(jobID)] = map[string]string{"id": jobID, "scopeId": scopeID}
}

func messageText(env envelope.Envelope) string {
	if text, ok := env.Payload.(envelope.Text); ok {
		return string(text)
	}
	return ""
}

func TestResume_ReplaysThenStreams(t *testing.T) {
	f := newFixture()
	f.storeJob("job-1", "scope-1")
	f.bus.hashes[redisbus.UpdatesKey("job-1")] = map[string]string{
		"c": wireMessage(t, "job-1", 300, "MESSAGE", "third"),
		"a": wireMessage(t, "job-1", 100, "MESSAGE", "first"),
		"x": `{"broken"`,
		"b": wireMessage(t, "job-1", 200, "MESSAGE", "second"),
	}

	ch := redisbus.UpdatesChannel("job-1")
	// Messages published while the snapshot is read arrive through the
	// subscription as well.
	f.bus.beforeSnapshot = func() {
		f.bus.deliver(t, ch, wireMessage(t, "job-1", 200, "MESSAGE", "second"))
		f.bus.deliver(t, ch, wireMessage(t, "job-1", 400, "MESSAGE", "fourth"))
		f.bus.deliver(t, ch, wireMessage(t, "job-1", 200, "MESSAGE", "concurrent"))
	}

	sock := newMockSocket()
	done := f.serve(sock, resumeURL("job-1", "scope-1"))

	testutil.WaitFor(t, "replay and live messages", func() bool { return len(sock.updates()) == 5 })

	calls := f.bus.Calls()
	if len(calls) < 2 || calls[0] != "subscribe "+ch || calls[1] != "hgetall "+redisbus.UpdatesKey("job-1") {
		t.Errorf("calls = %v, want subscribe before snapshot", calls)
	}

	want := []string{"first", "second", "third", "fourth", "concurrent"}
	for i, env := range sock.updates() {
		if got := messageText(env); got != want[i] {
			t.Errorf("update %d = %q, want %q", i, got, want[i])
		}
	}

	f.bus.deliver(t, ch, wireMessage(t, "job-1", 500, "MESSAGE", "fifth"))
	testutil.WaitFor(t, "live message", func() bool { return len(sock.updates()) == 6 })

	sock.Close()
	waitDone(t, done)
}

func TestResume_TerminalStatusDisconnects(t *testing.T) {
	f := newFixture()
	f.storeJob("job-1", "scope-1")

	sock := newMockSocket()
	done := f.serve(sock, resumeURL("job-1", "scope-1"))

	ch := redisbus.UpdatesChannel("job-1")
	testutil.WaitFor(t, "subscription", func() bool { return f.bus.subscribed(ch) })
	f.bus.deliver(t, ch, wireMessage(t, "job-1", 100, "STATUS", "COMPLETED_FAILURE"))

	testutil.WaitFor(t, "grace timer", func() bool { return len(f.timers.WithDelay(testGrace)) == 1 })
	if sock.isClosed() {
		t.Fatal("socket closed before the grace period elapsed")
	}
	f.timers.WithDelay(testGrace)[0].Fire()
	waitDone(t, done)

	if !sock.isClosed() {
		t.Error("socket must be closed after the grace period")
	}
}

func TestResume_CompletedHistoryDisconnects(t *testing.T) {
	f := newFixture()
	f.storeJob("job-1", "scope-1")
	f.bus.hashes[redisbus.UpdatesKey("job-1")] = map[string]string{
		"a": wireMessage(t, "job-1", 100, "STATUS", "RUNNING"),
		"b": wireMessage(t, "job-1", 200, "STATUS", "COMPLETED_SUCCESS"),
	}

	sock := newMockSocket()
	done := f.serve(sock, resumeURL("job-1", "scope-1"))

	testutil.WaitFor(t, "grace timer", func() bool { return len(f.timers.WithDelay(testGrace)) == 1 })
	f.timers.WithDelay(testGrace)[0].Fire()
	waitDone(t, done)

	if n := len(sock.updates()); n != 2 {
		t.Errorf("replayed = %d, want 2", n)
	}
}

func TestResume_Authorization(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *fixture)
		query   string
		wantErr string
	}{
		{
			name:    "unknown job",
			setup:   func(f *fixture) {},
			query:   resumeURL("job-1", "scope-1"),
			wantErr: "Invalid jobId",
		},
		{
			name:    "scope mismatch",
			setup:   func(f *fixture) { f.storeJob("job-1", "scope-2") },
			query:   resumeURL("job-1", "scope-1"),
			wantErr: "Invalid jobId",
		},
		{
			name:    "missing jobId",
			setup:   func(f *fixture) {},
			query:   testBase + EndpointCurrentTest + "?scopeId=scope-1",
			wantErr: "Invalid jobId",
		},
		{
			name:    "repeated jobId",
			setup:   func(f *fixture) { f.storeJob("job-1", "scope-1") },
			query:   testBase + EndpointCurrentTest + "?jobId=job-1&jobId=job-2&scopeId=scope-1",
			wantErr: "Invalid jobId",
		},
		{
			name:    "missing scopeId",
			setup:   func(f *fixture) { f.storeJob("job-1", "scope-1") },
			query:   testBase + EndpointCurrentTest + "?jobId=job-1",
			wantErr: "Invalid scopeId",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.setup(f)

			sock := newMockSocket()
			u, _ := url.Parse(tt.query)
			f.srv.Serve(sock, u)

			errs := sock.errors()
			if len(errs) != 1 || errs[0] != tt.wantErr {
				t.Errorf("errors = %v, want [%s]", errs, tt.wantErr)
			}
			if !sock.isClosed() {
				t.Error("socket must be closed after rejection")
			}
			if f.bus.subscribed(redisbus.UpdatesChannel("job-1")) {
				t.Error("rejected connection must not subscribe")
			}
		})
	}
}

func TestResume_ScopeKeyFallback(t *testing.T) {
	f := newFixture()
	f.cache.values[redisbus.JobScopeKey("job-1")] = "scope-1"

	sock := newMockSocket()
	done := f.serve(sock, resumeURL("job-1", "scope-1"))

	testutil.WaitFor(t, "subscription", func() bool {
		return f.bus.subscribed(redisbus.UpdatesChannel("job-1"))
	})
	if errs := sock.errors(); len(errs) != 0 {
		t.Errorf("errors = %v, want none", errs)
	}

	sock.Close()
	waitDone(t, done)
}
