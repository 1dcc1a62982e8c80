package sio

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/sio/pkg/manager"
	"github.com/tokmz/sio/pkg/namespace"
	"github.com/tokmz/sio/pkg/transport"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *httptest.Server) {
	t.Helper()
	base := []Option{
		WithMode(gin.TestMode),
		WithHeartbeat(time.Hour, 2*time.Hour),
		WithPollingTimeout(100 * time.Millisecond),
		WithCloseTimeout(5 * time.Second),
	}
	e, err := New(append(base, opts...)...)
	require.NoError(t, err)
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
		srv.Close()
	})
	return e, srv
}

func request(t *testing.T, method, target, body string, header ...string) (*http.Response, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, target, rd)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func handshake(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, body := request(t, http.MethodGet, srv.URL+"/socket.io/1/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	parts := strings.Split(body, ":")
	require.Len(t, parts, 4, body)
	return parts[0]
}

// poll 反复 GET 直到拿到非 noop 的响应
func poll(t *testing.T, target string) string {
	t.Helper()
	for i := 0; i < 30; i++ {
		resp, body := request(t, http.MethodGet, target, "")
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		if body != "8::" {
			return body
		}
	}
	t.Fatal("no data received")
	return ""
}

func TestHandshake(t *testing.T) {
	_, srv := newTestEngine(t)

	resp, body := request(t, http.MethodGet, srv.URL+"/socket.io/1/", "", "Origin", "http://example.com")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}:7200:5:websocket,flashsocket,htmlfile,xhr-multipart,xhr-polling,jsonp-polling$`), body)
	assert.Equal(t, "http://example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, body = request(t, http.MethodGet, srv.URL+"/socket.io/1/?jsonp=3", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(body, `io.j[3]("`), body)
	assert.True(t, strings.HasSuffix(body, `");`), body)
}

func TestHandshake_TransportList(t *testing.T) {
	_, srv := newTestEngine(t, WithTransports(transport.XHRPolling, transport.WebSocket))
	_, body := request(t, http.MethodGet, srv.URL+"/socket.io/1/", "")
	assert.True(t, strings.HasSuffix(body, ":xhr-polling,websocket"), body)
}

func TestParseRoute(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		query string
		want  route
		err   bool
	}{
		{"handshake", "/1/", "", route{handshake: true}, false},
		{"handshake without slash", "/1", "", route{handshake: true}, false},
		{"transport", "/1/xhr-polling/abc", "", route{transport: "xhr-polling", sid: "abc"}, false},
		{"disconnect url", "/1//abc", "disconnect", route{sid: "abc"}, false},
		{"query form", "/", "transport=websocket&sid=abc", route{transport: "websocket", sid: "abc"}, false},
		{"query handshake", "/", "transport=websocket", route{handshake: true}, false},
		{"bad version", "/2/", "", route{}, true},
		{"missing sid", "/1/xhr-polling/", "", route{}, true},
		{"too deep", "/1/a/b/c", "", route{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			require.NoError(t, err)
			got, err := parseRoute(tt.path, q)
			if tt.err {
				assert.ErrorIs(t, err, ErrBadRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBadRequests(t *testing.T) {
	_, srv := newTestEngine(t)

	resp, _ := request(t, http.MethodGet, srv.URL+"/socket.io/2/", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	sid := handshake(t, srv)
	resp, _ = request(t, http.MethodGet, srv.URL+"/socket.io/1/carrier-pigeon/"+sid, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownSession(t *testing.T) {
	_, srv := newTestEngine(t)

	resp, body := request(t, http.MethodGet, srv.URL+"/socket.io/1/xhr-polling/nobody", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "7:::1", body)

	resp, _ = request(t, http.MethodGet, srv.URL+"/socket.io/1/websocket/nobody", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPollingScenario(t *testing.T) {
	_, srv := newTestEngine(t)
	sid := handshake(t, srv)
	target := srv.URL + "/socket.io/1/xhr-polling/" + sid

	resp, body := request(t, http.MethodGet, target, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1::", body)

	resp, body = request(t, http.MethodPost, target, `5:1+::{"name":"ping","args":[]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", body)

	// 没有 on_ping 处理函数，客户端收到错误包而不是断开
	assert.Equal(t, "7:::5", poll(t, target))

	resp, _ = request(t, http.MethodPost, target, "2::")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPollingHandlerAck(t *testing.T) {
	e, srv := newTestEngine(t)
	require.NoError(t, e.Of("/chat").On("say", func(_ *namespace.Conn, args []any) ([]any, error) {
		return append([]any{"got"}, args...), nil
	}))

	sid := handshake(t, srv)
	target := srv.URL + "/socket.io/1/xhr-polling/" + sid
	_, body := request(t, http.MethodGet, target, "")
	require.Equal(t, "1::", body)

	request(t, http.MethodPost, target, "1::/chat")
	assert.Equal(t, "1::/chat", poll(t, target))

	request(t, http.MethodPost, target, `5:2+:/chat:{"name":"say","args":["hi"]}`)
	assert.Equal(t, `6::/chat:2+["got","hi"]`, poll(t, target))
}

func TestDisconnectURL(t *testing.T) {
	e, srv := newTestEngine(t)
	sid := handshake(t, srv)
	target := srv.URL + "/socket.io/1/xhr-polling/" + sid
	_, body := request(t, http.MethodGet, target, "")
	require.Equal(t, "1::", body)

	resp, body := request(t, http.MethodGet, srv.URL+"/socket.io/1//"+sid+"?disconnect", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)

	s, err := e.Manager().GetSocket(context.Background(), sid)
	require.NoError(t, err)
	assert.Nil(t, s)

	_, body = request(t, http.MethodGet, target, "")
	assert.Equal(t, "7:::1", body)
}

func TestWebSocket(t *testing.T) {
	e, srv := newTestEngine(t)
	require.NoError(t, e.Of("").On("echo", func(_ *namespace.Conn, args []any) ([]any, error) {
		return args, nil
	}))
	sid := handshake(t, srv)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket.io/1/websocket/" + sid
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() string {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		typ, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.TextMessage, typ)
		return string(data)
	}

	assert.Equal(t, "1::", read())
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`5:1+::{"name":"echo","args":["hi"]}`)))
	assert.Equal(t, `6:::1+["hi"]`, read())

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/socket.io/1/websocket/nobody", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLifecycleEvents(t *testing.T) {
	e, srv := newTestEngine(t)
	e.Of("/chat")

	got := make(chan Event, 16)
	for _, typ := range []EventType{EventSessionConnected, EventSessionDisconnected, EventEndpointActivated, EventEndpointDeactivated} {
		e.Events().Subscribe(typ, func(ev Event) { got <- ev })
	}
	wait := func(n int) map[EventType]Event {
		t.Helper()
		out := make(map[EventType]Event)
		for len(out) < n {
			select {
			case ev := <-got:
				out[ev.Type] = ev
			case <-time.After(2 * time.Second):
				t.Fatalf("got %d of %d events", len(out), n)
			}
		}
		return out
	}

	sid := handshake(t, srv)
	target := srv.URL + "/socket.io/1/xhr-polling/" + sid
	_, body := request(t, http.MethodGet, target, "")
	require.Equal(t, "1::", body)
	evs := wait(1)
	assert.Equal(t, sid, evs[EventSessionConnected].SID)

	request(t, http.MethodPost, target, "1::/chat")
	evs = wait(1)
	assert.Equal(t, "/chat", evs[EventEndpointActivated].Endpoint)
	assert.Equal(t, sid, evs[EventEndpointActivated].SID)

	request(t, http.MethodGet, target+"?disconnect", "")
	evs = wait(2)
	assert.Equal(t, "/chat", evs[EventEndpointDeactivated].Endpoint)
	assert.Equal(t, sid, evs[EventSessionDisconnected].SID)
	assert.False(t, evs[EventSessionDisconnected].Time.IsZero())
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newTestEngine(t, WithPrometheus(""))
	sid := handshake(t, srv)
	_, body := request(t, http.MethodGet, srv.URL+"/socket.io/1/xhr-polling/"+sid, "")
	require.Equal(t, "1::", body)

	resp, body := request(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "sio_")
	assert.Contains(t, body, "go_goroutines")
}

func TestShutdown(t *testing.T) {
	var before, after bool
	e, srv := newTestEngine(t,
		WithBeforeShutdown(func() { before = true }),
		WithAfterShutdown(func() { after = true }),
	)
	sid := handshake(t, srv)
	target := srv.URL + "/socket.io/1/xhr-polling/" + sid
	_, body := request(t, http.MethodGet, target, "")
	require.Equal(t, "1::", body)
	s, err := e.Manager().GetSocket(context.Background(), sid)
	require.NoError(t, err)
	require.NotNil(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))
	assert.True(t, before)
	assert.True(t, after)

	select {
	case <-s.Done():
	default:
		t.Fatal("session still alive after shutdown")
	}

	resp, _ := request(t, http.MethodGet, target, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NoError(t, e.Shutdown(ctx))
}

func TestRedisManagerAcrossEngines(t *testing.T) {
	mr := miniredis.RunT(t)
	_, a := newRedisEngine(t, mr)
	_, b := newRedisEngine(t, mr)

	sid := handshake(t, a)
	_, body := request(t, http.MethodGet, b.URL+"/socket.io/1/xhr-polling/"+sid, "")
	require.Equal(t, "1::", body)

	resp, _ := request(t, http.MethodPost, a.URL+"/socket.io/1/xhr-polling/"+sid, `5:1+::{"name":"ping","args":[]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "7:::5", poll(t, a.URL+"/socket.io/1/xhr-polling/"+sid))
}

func TestHandshakeRateLimit(t *testing.T) {
	_, srv := newTestEngine(t, WithHandshakeLimit(0.001, 2))
	for i := 0; i < 2; i++ {
		resp, _ := request(t, http.MethodGet, srv.URL+"/socket.io/1/", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := request(t, http.MethodGet, srv.URL+"/socket.io/1/", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

// newRedisEngine 多个引擎共享同一个 miniredis
func newRedisEngine(t *testing.T, mr *miniredis.Miniredis) (*Engine, *httptest.Server) {
	t.Helper()
	cfg := manager.DefaultConfig()
	cfg.Driver = manager.DriverRedis
	cfg.KeyPrefix = "enginetest:"
	cfg.BucketsCount = 2
	cfg.LockRetry = 5 * time.Millisecond
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return newTestEngine(t, WithManager(cfg), WithRedisClient(client))
}

// aliveStamp 读取会话在 alive 分片中的时间戳
func aliveStamp(t *testing.T, mr *miniredis.Miniredis, sid string) string {
	t.Helper()
	for _, key := range mr.Keys() {
		if strings.HasPrefix(key, "enginetest:alive:b") {
			if v := mr.HGet(key, sid); v != "" {
				return v
			}
		}
	}
	return ""
}

func TestShutdownLeavesRedisSessionToPeers(t *testing.T) {
	mr := miniredis.RunT(t)
	a, srvA := newRedisEngine(t, mr)
	a.Of("/chat")
	_, srvB := newRedisEngine(t, mr)

	sid := handshake(t, srvA)
	_, body := request(t, http.MethodGet, srvA.URL+"/socket.io/1/xhr-polling/"+sid, "")
	require.Equal(t, "1::", body)
	request(t, http.MethodPost, srvA.URL+"/socket.io/1/xhr-polling/"+sid, "1::/chat")
	require.Eventually(t, func() bool {
		return mr.Exists("enginetest:" + sid + ":endpoints")
	}, 2*time.Second, 10*time.Millisecond)
	_, body = request(t, http.MethodGet, srvB.URL+"/socket.io/1/xhr-polling/"+sid, "")
	require.NotEqual(t, "7:::1", body)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))

	// 节点 B 继续服务同一个会话
	assert.True(t, mr.Exists("enginetest:"+sid+":endpoints"))
	assert.NotEmpty(t, aliveStamp(t, mr, sid))
	resp, _ := request(t, http.MethodPost, srvB.URL+"/socket.io/1/xhr-polling/"+sid, `5:1+::{"name":"ping","args":[]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "7:::5", poll(t, srvB.URL+"/socket.io/1/xhr-polling/"+sid))
}

func TestPollingRefreshesSharedLiveness(t *testing.T) {
	mr := miniredis.RunT(t)
	_, srv := newRedisEngine(t, mr)

	sid := handshake(t, srv)
	target := srv.URL + "/socket.io/1/xhr-polling/" + sid
	_, body := request(t, http.MethodGet, target, "")
	require.Equal(t, "1::", body)

	for _, key := range mr.Keys() {
		if strings.HasPrefix(key, "enginetest:alive:b") && mr.HGet(key, sid) != "" {
			mr.HSet(key, sid, "1")
		}
	}
	require.Equal(t, "1", aliveStamp(t, mr, sid))

	request(t, http.MethodGet, target, "")
	assert.NotEqual(t, "1", aliveStamp(t, mr, sid))
}
