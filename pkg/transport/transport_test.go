package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/sio/pkg/errors"
	"github.com/tokmz/sio/pkg/manager"
	"github.com/tokmz/sio/pkg/packet"
	"github.com/tokmz/sio/pkg/socket"
)

// echoEndpoint 把收到的 message 原样发回
type echoEndpoint struct {
	s    *socket.Socket
	name string
}

func (e *echoEndpoint) Name() string { return e.name }

func (e *echoEndpoint) Dispatch(ctx context.Context, pkt *packet.Packet) error {
	if pkt.Type == packet.TypeMessage {
		return e.s.SendPacket(packet.Message(e.name, pkt.Data))
	}
	return nil
}

func (e *echoEndpoint) Close(ctx context.Context) { e.s.RemoveEndpoint(ctx, e.name) }

func (e *echoEndpoint) Open() {}

func (e *echoEndpoint) Release() {}

type echoRegistry struct{}

func (echoRegistry) Endpoint(s *socket.Socket, name string) (socket.Endpoint, bool) {
	return &echoEndpoint{s: s, name: name}, true
}

func newSession(t *testing.T) (*manager.Local, *socket.Socket) {
	t.Helper()
	m := manager.NewLocal(manager.WithSocketOptions(socket.Options{
		Registry:          echoRegistry{},
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  2 * time.Hour,
	}))
	ctx := context.Background()
	sid := m.NewSessionID()
	require.NoError(t, m.Handshake(ctx, sid))
	s, err := m.GetSocket(ctx, sid)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Kill(false) })
	return m, s
}

func newTransports(t *testing.T, m *manager.Local) *Set {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PollingTimeout = 50 * time.Millisecond
	set, err := NewSet(nil, WithConfig(cfg), WithLocker(m))
	require.NoError(t, err)
	return set
}

func do(t *testing.T, tr Transport, s *socket.Socket, method, target, body string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	err := tr.Serve(rec, req, s)
	return rec, err
}

func handler(tr Transport, s *socket.Socket) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := tr.Serve(w, r, s); err != nil {
			http.Error(w, err.Error(), errors.HTTPStatus(err))
		}
	})
}

// readUntil 读取流直到出现 want
func readUntil(t *testing.T, body io.Reader, want string) string {
	t.Helper()
	got := make(chan string, 1)
	go func() {
		var buf []byte
		tmp := make([]byte, 1024)
		for {
			n, err := body.Read(tmp)
			buf = append(buf, tmp[:n]...)
			if strings.Contains(string(buf), want) || err != nil {
				got <- string(buf)
				return
			}
		}
	}()
	select {
	case s := <-got:
		require.Contains(t, s, want)
		return s
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
		return ""
	}
}

func TestNewSet(t *testing.T) {
	set, err := NewSet(nil)
	require.NoError(t, err)
	assert.Equal(t, All, set.Names())
	assert.Equal(t, "websocket,flashsocket,htmlfile,xhr-multipart,xhr-polling,jsonp-polling", set.String())

	set, err = NewSet([]string{XHRPolling, WebSocket, XHRPolling})
	require.NoError(t, err)
	assert.Equal(t, []string{XHRPolling, WebSocket}, set.Names())
	_, ok := set.Get(JSONPPolling)
	assert.False(t, ok)

	_, err = NewSet([]string{"carrier-pigeon"})
	assert.ErrorIs(t, err, ErrUnknownTransport)
}

func TestXHRPolling_ConnectThenNoop(t *testing.T) {
	m, s := newSession(t)
	tr, _ := newTransports(t, m).Get(XHRPolling)

	rec, err := do(t, tr, s, http.MethodGet, "/", "")
	require.NoError(t, err)
	assert.Equal(t, "1::", rec.Body.String())
	assert.True(t, s.Connected())

	rec, err = do(t, tr, s, http.MethodGet, "/", "")
	require.NoError(t, err)
	assert.Equal(t, "8::", rec.Body.String())
	assert.Equal(t, "text/plain; charset=UTF-8", rec.Header().Get("Content-Type"))
}

func TestXHRPolling_BatchesQueuedFrames(t *testing.T) {
	m, s := newSession(t)
	tr, _ := newTransports(t, m).Get(XHRPolling)
	_, err := do(t, tr, s, http.MethodGet, "/", "")
	require.NoError(t, err)

	require.NoError(t, s.SendPacket(packet.Message("", "a")))
	require.NoError(t, s.SendPacket(packet.Message("", "b")))

	rec, err := do(t, tr, s, http.MethodGet, "/", "")
	require.NoError(t, err)
	assert.Equal(t, "\ufffd5\ufffd3:::a\ufffd5\ufffd3:::b", rec.Body.String())
}

func TestXHRPolling_PostRoundTrip(t *testing.T) {
	m, s := newSession(t)
	cfg := DefaultConfig()
	cfg.PollingTimeout = time.Second
	set, err := NewSet([]string{XHRPolling}, WithConfig(cfg), WithLocker(m))
	require.NoError(t, err)
	tr, _ := set.Get(XHRPolling)

	_, err = do(t, tr, s, http.MethodGet, "/", "")
	require.NoError(t, err)

	rec, err := do(t, tr, s, http.MethodPost, "/", "3:::hello")
	require.NoError(t, err)
	assert.Equal(t, "1", rec.Body.String())
	assert.Equal(t, "close", rec.Header().Get("Connection"))

	rec, err = do(t, tr, s, http.MethodGet, "/", "")
	require.NoError(t, err)
	assert.Equal(t, "3:::hello", rec.Body.String())
}

func TestXHRPolling_PostFirstQueuesConnect(t *testing.T) {
	m, s := newSession(t)
	tr, _ := newTransports(t, m).Get(XHRPolling)

	rec, err := do(t, tr, s, http.MethodPost, "/", "2::")
	require.NoError(t, err)
	assert.Equal(t, "1", rec.Body.String())
	assert.True(t, s.Connected())

	rec, err = do(t, tr, s, http.MethodGet, "/", "")
	require.NoError(t, err)
	assert.Equal(t, "1::", rec.Body.String())
}

func TestXHRPolling_Overlap(t *testing.T) {
	m, s := newSession(t)
	tr, _ := newTransports(t, m).Get(XHRPolling)

	release, err := s.Bind(bindRecv)
	require.NoError(t, err)
	_, err = do(t, tr, s, http.MethodGet, "/", "")
	assert.ErrorIs(t, err, socket.ErrTransportOverlap)
	assert.Equal(t, http.StatusInternalServerError, errors.HTTPStatus(err))
	assert.True(t, s.State().Alive(), "overlap must not kill the session")

	// 不同类别的请求可以并行
	rec, err := do(t, tr, s, http.MethodPost, "/", "2::")
	require.NoError(t, err)
	assert.Equal(t, "1", rec.Body.String())

	release()
	_, err = do(t, tr, s, http.MethodGet, "/", "")
	assert.NoError(t, err)
}

func TestXHRPolling_InvalidPayload(t *testing.T) {
	m, s := newSession(t)
	tr, _ := newTransports(t, m).Get(XHRPolling)

	_, err := do(t, tr, s, http.MethodPost, "/", "\ufffd99\ufffd3:::x")
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Equal(t, http.StatusBadRequest, errors.HTTPStatus(err))
}

func TestXHRPolling_PayloadTooLarge(t *testing.T) {
	m, s := newSession(t)
	cfg := DefaultConfig()
	cfg.MaxMessageSize = 8
	set, err := NewSet([]string{XHRPolling}, WithConfig(cfg), WithLocker(m))
	require.NoError(t, err)
	tr, _ := set.Get(XHRPolling)

	_, err = do(t, tr, s, http.MethodPost, "/", "3:::0123456789")
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestXHRPolling_DeadSession(t *testing.T) {
	m, s := newSession(t)
	tr, _ := newTransports(t, m).Get(XHRPolling)
	_, err := do(t, tr, s, http.MethodGet, "/", "")
	require.NoError(t, err)

	require.NoError(t, s.Kill(false))
	rec, err := do(t, tr, s, http.MethodGet, "/", "")
	require.NoError(t, err)
	assert.Equal(t, "0::", rec.Body.String())
}

func TestXHRPolling_MethodNotAllowed(t *testing.T) {
	m, s := newSession(t)
	tr, _ := newTransports(t, m).Get(XHRPolling)
	_, err := do(t, tr, s, http.MethodDelete, "/", "")
	assert.ErrorIs(t, err, ErrMethodNotAllowed)
}

func TestOptions_CORS(t *testing.T) {
	m, s := newSession(t)
	tr, _ := newTransports(t, m).Get(XHRPolling)

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	require.NoError(t, tr.Serve(rec, req, s))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "http://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "POST, GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "3600", rec.Header().Get("Access-Control-Max-Age"))
}

func TestCORS_Allowed(t *testing.T) {
	c := newCORS(CORSConfig{AllowOrigins: []string{"https://app.example.com", "https://*.example.org"}})
	tests := []struct {
		origin string
		want   bool
	}{
		{"https://app.example.com", true},
		{"https://evil.com", false},
		{"https://a.example.org", true},
		{"https://.example.org", false},
		{"http://a.example.org", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.allowed(tt.origin), tt.origin)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.com")
	c.apply(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestJSONPPolling(t *testing.T) {
	m, s := newSession(t)
	cfg := DefaultConfig()
	cfg.PollingTimeout = time.Second
	set, err := NewSet([]string{JSONPPolling}, WithConfig(cfg), WithLocker(m))
	require.NoError(t, err)
	tr, _ := set.Get(JSONPPolling)

	rec, err := do(t, tr, s, http.MethodGet, "/?i=3", "")
	require.NoError(t, err)
	assert.Equal(t, `io.j[3]("1::");`, rec.Body.String())
	assert.Equal(t, "text/javascript; charset=UTF-8", rec.Header().Get("Content-Type"))

	form := "d=" + url.QueryEscape(`"3:::say \"hi\" </script>"`)
	req := httptest.NewRequest(http.MethodPost, "/?i=3", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	require.NoError(t, tr.Serve(rec, req, s))
	assert.Equal(t, "1", rec.Body.String())

	rec, err = do(t, tr, s, http.MethodGet, "/?i=alert(1)", "")
	require.NoError(t, err)
	assert.Equal(t, `io.j[0]("3:::say \"hi\" \u003c/script\u003e");`, rec.Body.String())
}

func TestJSONPIndex(t *testing.T) {
	tests := map[string]int{
		"/?i=7":           7,
		"/?j=2":           2,
		"/":               0,
		"/?i=-1":          0,
		"/?i=0);alert(1)": 0,
	}
	for target, want := range tests {
		assert.Equal(t, want, jsonpIndex(httptest.NewRequest(http.MethodGet, target, nil)), target)
	}
}

func TestHTMLFile_Stream(t *testing.T) {
	m, s := newSession(t)
	tr, _ := newTransports(t, m).Get(HTMLFile)
	srv := httptest.NewServer(handler(tr, s))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "text/html; charset=UTF-8", resp.Header.Get("Content-Type"))

	first := readUntil(t, resp.Body, `<script>parent.s._("1::", document);</script>`)
	assert.True(t, strings.HasPrefix(first, htmlfilePreamble))

	require.NoError(t, s.SendPacket(packet.Message("", "hi")))
	readUntil(t, resp.Body, `<script>parent.s._("3:::hi", document);</script>`)

	// 客户端断开后会话结束
	require.NoError(t, resp.Body.Close())
	assert.Eventually(t, func() bool { return !s.State().Alive() }, 3*time.Second, 10*time.Millisecond)
}

func TestXHRMultipart_Stream(t *testing.T) {
	m, s := newSession(t)
	tr, _ := newTransports(t, m).Get(XHRMultipart)
	srv := httptest.NewServer(handler(tr, s))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, `multipart/x-mixed-replace;boundary="socketio"`, resp.Header.Get("Content-Type"))

	readUntil(t, resp.Body, "--socketio\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n1::\r\n--socketio\r\n")

	require.NoError(t, s.SendPacket(packet.Event("", "tick", 1)))
	readUntil(t, resp.Body, `5:::{"name":"tick","args":[1]}`)

	// 会话被关闭时流结束
	require.NoError(t, s.Kill(false))
	_, err = io.ReadAll(resp.Body)
	assert.NoError(t, err)
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	return conn
}

func TestWebSocket_Exchange(t *testing.T) {
	m, s := newSession(t)
	tr, _ := newTransports(t, m).Get(WebSocket)
	srv := httptest.NewServer(handler(tr, s))
	defer srv.Close()

	conn := dialWS(t, srv, "")
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	assert.Equal(t, "1::", string(data))
	assert.True(t, s.Connected())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("3:::ping")))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "3:::ping", string(data))

	// 附件以二进制帧发送
	require.NoError(t, s.SendPacket(packet.Event("", "file", []byte{1, 2, 3})))
	typ, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	assert.Equal(t, `5:::{"name":"file","args":[{"_placeholder":true,"num":0}]}`, string(data))
	typ, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	assert.Equal(t, []byte{1, 2, 3}, data)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return !s.State().Alive() }, 3*time.Second, 10*time.Millisecond)
}

func TestWebSocket_Base64Attachments(t *testing.T) {
	m, s := newSession(t)
	tr, _ := newTransports(t, m).Get(FlashSocket)
	srv := httptest.NewServer(handler(tr, s))
	defer srv.Close()

	conn := dialWS(t, srv, "?b64=1")
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, s.SendPacket(packet.Event("", "file", []byte{1, 2, 3})))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	assert.Equal(t, "b4AQID", string(data))
}

func TestWebSocket_KillClosesConnection(t *testing.T) {
	m, s := newSession(t)
	tr, _ := newTransports(t, m).Get(WebSocket)
	srv := httptest.NewServer(handler(tr, s))
	defer srv.Close()

	conn := dialWS(t, srv, "")
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, s.Kill(false))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWebSocket_RejectsOrigin(t *testing.T) {
	m, s := newSession(t)
	cfg := DefaultConfig()
	cfg.CORS.AllowOrigins = []string{"https://app.example.com"}
	set, err := NewSet([]string{WebSocket}, WithConfig(cfg), WithLocker(m))
	require.NoError(t, err)
	tr, _ := set.Get(WebSocket)
	srv := httptest.NewServer(handler(tr, s))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	_, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": []string{"https://evil.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, socket.StateConnecting, s.State())
}
