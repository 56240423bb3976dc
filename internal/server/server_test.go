package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coffersTech/logsink/internal/engine"
	"github.com/coffersTech/logsink/internal/logger"
	"github.com/coffersTech/logsink/internal/render"
	"github.com/coffersTech/logsink/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioPayload = `{"application_name":"svc","level":"ERR","message":"boom","exception":{"name":"IOError","message":"disk full","trace":[{"file":"a.go","line":10,"function":"write"}]}}`

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type pipeline struct {
	dir    string
	out    *syncBuffer
	stats  *engine.Stats
	writer *storage.Writer
	srv    *IngestServer
	cancel context.CancelFunc
	served chan error
}

var fileDate = time.Date(2024, 5, 17, 12, 0, 0, 0, time.Local)

func startPipeline(t *testing.T) *pipeline {
	t.Helper()
	p := &pipeline{dir: t.TempDir(), out: &syncBuffer{}, served: make(chan error, 1)}

	log, err := logger.New("debug", p.out, false)
	require.NoError(t, err)

	p.stats = engine.NewStats(p.dir)
	p.writer, err = storage.NewWriter(p.dir, log,
		storage.WithClock(func() time.Time { return fileDate }),
		storage.WithObserver(p.stats),
	)
	require.NoError(t, err)

	d := engine.NewDispatcher(log, render.New(false), p.writer, p.stats)
	p.srv = NewIngestServer("127.0.0.1:0", d, p.stats, log, DefaultReadSize)
	require.NoError(t, p.srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go func() { p.served <- p.srv.Serve(ctx) }()
	return p
}

func (p *pipeline) waitPersisted(t *testing.T, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.stats.Snapshot().Persisted >= n
	}, 3*time.Second, 5*time.Millisecond)
}

func (p *pipeline) stop(t *testing.T) {
	t.Helper()
	p.cancel()
	select {
	case err := <-p.served:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	require.NoError(t, p.writer.Close())
}

func (p *pipeline) entries(t *testing.T) []map[string]json.RawMessage {
	t.Helper()
	got, err := storage.ReadEntries(filepath.Join(p.dir, storage.FileName("2024-05-17")))
	require.NoError(t, err)
	var out []map[string]json.RawMessage
	for _, e := range got {
		out = append(out, map[string]json.RawMessage{
			"timestamp": json.RawMessage(`"` + e.Timestamp + `"`),
			"address":   json.RawMessage(`"` + e.Address + `"`),
			"data":      e.Data,
		})
	}
	return out
}

func TestIngest_DatagramScenario(t *testing.T) {
	p := startPipeline(t)

	conn, err := net.Dial("udp", p.srv.UDPAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(scenarioPayload))
	require.NoError(t, err)

	p.waitPersisted(t, 1)
	p.stop(t)

	out := p.out.String()
	assert.Contains(t, out, "[ERROR] [svc] boom")
	assert.Contains(t, out, "IOError: disk full")
	assert.Contains(t, out, "write in a.go:10")

	got := p.entries(t)
	require.Len(t, got, 1)
	assert.JSONEq(t, scenarioPayload, string(got[0]["data"]))
	assert.JSONEq(t, `"`+conn.LocalAddr().String()+`"`, string(got[0]["address"]))
	assert.Regexp(t, `^"\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}"$`, string(got[0]["timestamp"]))

	snap := p.stats.Snapshot()
	assert.Equal(t, int64(1), snap.UDPPayloads)
	assert.Equal(t, int64(1), snap.Structured)
}

func TestIngest_StreamRawScenario(t *testing.T) {
	p := startPipeline(t)

	conn, err := net.Dial("tcp", p.srv.TCPAddr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("not json at all"))
	require.NoError(t, err)

	p.waitPersisted(t, 1)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return p.stats.Snapshot().OpenConnections == 0
	}, 3*time.Second, 5*time.Millisecond)
	p.stop(t)

	out := p.out.String()
	assert.Contains(t, out, "TCP connection established from "+conn.LocalAddr().String())
	assert.Contains(t, out, "Received non-JSON data from "+conn.LocalAddr().String()+": not json at all")
	assert.Contains(t, out, "TCP connection closed from")

	got := p.entries(t)
	require.Len(t, got, 1)
	assert.Equal(t, `"not json at all"`, string(got[0]["data"]))
}

func TestIngest_StopClosesOpenConnections(t *testing.T) {
	p := startPipeline(t)

	conn, err := net.Dial("tcp", p.srv.TCPAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		return p.stats.Snapshot().OpenConnections == 1
	}, 3*time.Second, 5*time.Millisecond)

	p.stop(t)
	assert.Equal(t, int64(0), p.stats.Snapshot().OpenConnections)
}

func TestIngest_SamePortForBothTransports(t *testing.T) {
	p := startPipeline(t)
	defer p.stop(t)

	tcpPort := p.srv.TCPAddr().(*net.TCPAddr).Port
	udpPort := p.srv.UDPAddr().(*net.UDPAddr).Port
	assert.NotZero(t, tcpPort)
	assert.Equal(t, tcpPort, udpPort)
}

type recordingHandler struct {
	mu       sync.Mutex
	payloads []string
}

func (h *recordingHandler) Handle(payload []byte, addr string) {
	h.mu.Lock()
	h.payloads = append(h.payloads, string(payload))
	h.mu.Unlock()
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.payloads)
}

func TestIngest_OneHandleCallPerDatagram(t *testing.T) {
	log, err := logger.New("error", &syncBuffer{}, false)
	require.NoError(t, err)
	h := &recordingHandler{}
	srv := NewIngestServer("127.0.0.1:0", h, engine.NewStats(t.TempDir()), log, 0)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := net.Dial("udp", srv.UDPAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	for _, msg := range []string{`{"message":"a"}`, "", `{"message":"b"}`} {
		_, err := conn.Write([]byte(msg))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return h.count() == 3 }, 3*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{`{"message":"a"}`, "", `{"message":"b"}`}, h.payloads)
}

func TestIngest_ListenConflict(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	log, err := logger.New("error", &syncBuffer{}, false)
	require.NoError(t, err)
	srv := NewIngestServer(ln.Addr().String(), &recordingHandler{}, engine.NewStats(t.TempDir()), log, 0)
	assert.Error(t, srv.Listen())
}

func TestIngest_ServeWithoutListen(t *testing.T) {
	log, err := logger.New("error", &syncBuffer{}, false)
	require.NoError(t, err)
	srv := NewIngestServer("127.0.0.1:0", &recordingHandler{}, engine.NewStats(t.TempDir()), log, 0)
	assert.Error(t, srv.Serve(context.Background()))
}

func TestNextRetryDelay(t *testing.T) {
	var got []time.Duration
	var d time.Duration
	for i := 0; i < 10; i++ {
		d = nextRetryDelay(d)
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{
		5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond,
		40 * time.Millisecond, 80 * time.Millisecond, 160 * time.Millisecond,
		320 * time.Millisecond, 640 * time.Millisecond, time.Second, time.Second,
	}, got)
}

func TestSleepCtx(t *testing.T) {
	assert.True(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.False(t, sleepCtx(ctx, time.Minute))
	assert.Less(t, time.Since(start), time.Second)
}

func TestStatusServer_Routes(t *testing.T) {
	log, err := logger.New("error", &syncBuffer{}, false)
	require.NoError(t, err)
	stats := engine.NewStats(t.TempDir())
	stats.RecordPayload(engine.TransportUDP, 12)

	ts := httptest.NewServer(NewStatusServer("", stats, log).Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snap engine.SystemStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, int64(1), snap.UDPPayloads)
	assert.Equal(t, int64(12), snap.TotalBytes)

	resp, err = http.Post(ts.URL+"/api/stats", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatusServer_StartAndShutdown(t *testing.T) {
	log, err := logger.New("error", &syncBuffer{}, false)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewStatusServer(ln.Addr().String(), engine.NewStats(t.TempDir()), log)
	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, <-done)
}
