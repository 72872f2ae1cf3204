package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/process"
	"github.com/roach88/polycentric/internal/rangeset"
	"github.com/roach88/polycentric/internal/store"
	"github.com/roach88/polycentric/internal/synchronization"
	"github.com/roach88/polycentric/internal/testutil"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func init() {
	gin.SetMode(gin.TestMode)
}

func newHandle(t *testing.T, seed byte) *process.Handle {
	t.Helper()
	st := store.OpenMemory(store.WithLogger(quiet))
	t.Cleanup(func() { st.Close() })
	h, err := process.CreateFromKey(context.Background(), st, testutil.Key(t, seed),
		process.WithClock(testutil.NewDeterministicClock(1000)),
		process.WithLogger(quiet))
	require.NoError(t, err)
	return h
}

// serve starts an HTTP server for a fresh handle and returns both.
func serve(t *testing.T, seed byte) (*process.Handle, *httptest.Server) {
	t.Helper()
	h := newHandle(t, seed)
	s := NewServer(h)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return h, ts
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestServer_Healthz(t *testing.T) {
	_, ts := serve(t, 9)
	code, body := getJSON(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_Metrics(t *testing.T) {
	_, ts := serve(t, 9)
	_, _ = http.Get(ts.URL + "/healthz")

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "polycentric_api_requests_total")
}

func TestServer_BadRequests(t *testing.T) {
	_, ts := serve(t, 9)
	system := testutil.System(t, 1).String()

	tests := []struct {
		name string
		path string
		want string
	}{
		{"ranges without system", "/ranges", "missing system"},
		{"ranges with bad system", "/ranges?system=zz", "bad system"},
		{"events with bad process", "/events?system=" + system + "&process=x", "bad process"},
		{"events with bad ranges", "/events?system=" + system + "&process=" + testutil.Process(1).String() + "&ranges=!!", "bad ranges"},
		{"claims with bad limit", "/claims?system=" + system + "&limit=-1", "bad limit"},
		{"search without term", "/search", "missing term"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := getJSON(t, ts.URL+tt.path)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Contains(t, body["error"], tt.want)
		})
	}
}

func TestClient_FullSyncOverHTTP(t *testing.T) {
	ctx := context.Background()
	alice := newHandle(t, 1)
	reader := newHandle(t, 3)
	_, ts := serve(t, 2)
	c := NewClient(WithTimeout(5 * time.Second))

	_, err := alice.SetUsername(ctx, "alice")
	require.NoError(t, err)
	_, err = alice.Post(ctx, "hello over http")
	require.NoError(t, err)
	p, err := alice.Post(ctx, "deleted")
	require.NoError(t, err)
	_, err = alice.Delete(ctx, p)
	require.NoError(t, err)

	_, err = synchronization.FullSync(ctx, alice, c, alice.System(), []string{ts.URL})
	require.NoError(t, err)
	_, err = synchronization.FullSync(ctx, reader, c, alice.System(), []string{ts.URL})
	require.NoError(t, err)

	want, err := alice.Ranges(ctx, alice.System())
	require.NoError(t, err)
	got, err := reader.Ranges(ctx, alice.System())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want[0].Process, got[0].Process)
	assert.Equal(t, "[0-3]", got[0].Ranges.String())

	s, err := reader.LoadSystemState(ctx, alice.System())
	require.NoError(t, err)
	assert.Equal(t, "alice", s.Username())
}

func TestClient_EventsForEmptyRanges(t *testing.T) {
	ctx := context.Background()
	h, ts := serve(t, 2)
	_, err := h.Post(ctx, "x")
	require.NoError(t, err)

	events, err := NewClient().Events(ctx, ts.URL, h.System(), h.Process(), rangeset.New())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestServer_EventsArePaged(t *testing.T) {
	ctx := context.Background()
	h, ts := serve(t, 2)
	total := maxEventsPerRequest + 5
	for i := 0; i < total; i++ {
		_, err := h.Post(ctx, "x")
		require.NoError(t, err)
	}

	client := NewClient()
	all := rangeset.New(rangeset.Range{Low: 0, High: 1 << 40})
	events, err := client.Events(ctx, ts.URL, h.System(), h.Process(), all)
	require.NoError(t, err)
	assert.Len(t, events, maxEventsPerRequest)

	// A puller asking for more than one response holds still gets everything.
	reader := newHandle(t, 3)
	for {
		progress, err := synchronization.PullMissing(ctx, reader, client, ts.URL, h.System(),
			synchronization.WithPageSize(10*maxEventsPerRequest))
		require.NoError(t, err)
		if !progress {
			break
		}
	}
	prs, err := reader.Ranges(ctx, h.System())
	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.Equal(t, uint64(total), prs[0].Ranges.Len())
}

func TestServer_PostEventsRejectsTampered(t *testing.T) {
	ctx := context.Background()
	h, ts := serve(t, 2)
	key := testutil.Key(t, 1)

	good, _ := testutil.SignedEvent(t, key, testutil.Process(1), 0, testutil.EventOptions{Content: model.Post{Content: "ok"}.Marshal()})
	bad, _ := testutil.SignedEvent(t, key, testutil.Process(1), 1, testutil.EventOptions{Content: model.Post{Content: "ok"}.Marshal()})
	bad.Signature[0] ^= 0xff

	resp, err := http.Post(ts.URL+"/events", contentType, strings.NewReader(string(marshalEvents([]*model.SignedEvent{good, bad}))))
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]float64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(1), body["ingested"])
	assert.Equal(t, float64(1), body["rejected"])

	prs, err := h.Ranges(ctx, testutil.System(t, 1))
	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.Equal(t, "[0]", prs[0].Ranges.String())
}

func TestClient_ClaimsPaginate(t *testing.T) {
	ctx := context.Background()
	h, ts := serve(t, 2)
	for _, name := range []string{"a", "b", "c"} {
		_, err := h.Claim(ctx, model.ClaimGitHub(name))
		require.NoError(t, err)
	}
	c := NewClient()

	var names []string
	var cursor []byte
	for range 3 {
		events, next, err := c.Claims(ctx, ts.URL, h.System(), 2, cursor)
		require.NoError(t, err)
		for _, se := range events {
			e, err := se.Decode()
			require.NoError(t, err)
			claim, err := model.UnmarshalClaim(e.Content)
			require.NoError(t, err)
			names = append(names, claim.Identifier())
		}
		if len(events) == 0 {
			break
		}
		cursor = next
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, names)
}

func TestClient_Search(t *testing.T) {
	ctx := context.Background()
	h, ts := serve(t, 2)
	want, err := h.Post(ctx, "Gophers are Great")
	require.NoError(t, err)
	_, err = h.Post(ctx, "unrelated")
	require.NoError(t, err)

	res, err := NewClient().Search(ctx, ts.URL, "great", nil)
	require.NoError(t, err)
	require.Len(t, res.Pointers, 1)
	assert.True(t, want.Equal(res.Pointers[0]))
	assert.Nil(t, res.Cursor)
}

func TestClient_ErrorsCarryStatus(t *testing.T) {
	_, ts := serve(t, 2)
	_, err := NewClient().Search(context.Background(), ts.URL, "", nil)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, http.StatusBadRequest, e.Code)
	assert.Equal(t, "missing term", e.Message)
	assert.False(t, IsNotFound(err))

	_, err = NewClient().Ranges(context.Background(), ts.URL+"/nope", testutil.System(t, 1))
	assert.True(t, IsNotFound(err))
}

func TestClient_RejectsRelativeServer(t *testing.T) {
	_, err := NewClient().Ranges(context.Background(), "localhost:8080", testutil.System(t, 1))
	assert.ErrorContains(t, err, "not an absolute URL")
}

func TestClient_SubscribeReceivesCommittedEvents(t *testing.T) {
	h, ts := serve(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *model.SignedEvent, 64)
	done := make(chan error, 1)
	system := h.System()
	go func() {
		done <- NewClient().Subscribe(ctx, ts.URL, &system, func(se *model.SignedEvent) { got <- se })
	}()

	// The subscription is live once a post made after dialing arrives.
	require.Eventually(t, func() bool {
		if _, err := h.Post(context.Background(), "ping"); err != nil {
			return false
		}
		select {
		case se := <-got:
			e, err := se.Decode()
			return err == nil && e.ContentType == model.ContentTypePost
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe did not return after cancel")
	}
}

func TestFeed_FiltersBySystem(t *testing.T) {
	hub := newFeedHub(quiet)
	other := testutil.System(t, 7)
	c := &feedConn{system: &other, send: make(chan []byte, 1), done: make(chan struct{})}
	require.True(t, hub.join(c))

	key := testutil.Key(t, 1)
	se, e := testutil.SignedEvent(t, key, testutil.Process(1), 0, testutil.EventOptions{})
	hub.EventApplied(context.Background(), &process.Applied{Signed: se, Event: e})
	assert.Empty(t, c.send)

	c.system = nil
	hub.EventApplied(context.Background(), &process.Applied{Signed: se, Event: e})
	assert.Len(t, c.send, 1)

	// A full buffer drops instead of blocking.
	hub.EventApplied(context.Background(), &process.Applied{Signed: se, Event: e})
	assert.Len(t, c.send, 1)

	hub.close()
	assert.False(t, hub.join(c))
	select {
	case <-c.done:
	default:
		t.Fatal("close did not stop the connection")
	}
}
