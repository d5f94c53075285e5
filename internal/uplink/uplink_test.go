package uplink

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-dcbus/internal/bxcan"
	"github.com/kstaniek/go-dcbus/internal/can"
	"github.com/kstaniek/go-dcbus/internal/logging"
	"github.com/kstaniek/go-dcbus/internal/metrics"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool { <-t.done; return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu   sync.Mutex
	msgs []published
	tok  func() paho.Token
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	c.msgs = append(c.msgs, published{topic, qos, retained, payload.([]byte)})
	c.mu.Unlock()
	if c.tok != nil {
		return c.tok()
	}
	return doneToken(nil)
}

func (c *fakeClient) last() published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[len(c.msgs)-1]
}

func newTestUplink(c Client, prefix string) *Uplink {
	u := New(c, prefix, "board1", WithLogger(logging.Discard()), WithPublishTimeout(20*time.Millisecond))
	u.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return u
}

func TestPublishFrame(t *testing.T) {
	c := &fakeClient{}
	u := newTestUplink(c, "plant/")
	pre := metrics.Snap()
	fr, _ := can.NewDataFrame(0x12, []byte{0x0A, 0xFF})
	u.PublishFrame(fr)

	m := c.last()
	require.Equal(t, "plant/board1/telemetry/0x012", m.topic)
	require.Equal(t, byte(0), m.qos)
	require.False(t, m.retained)
	var got telemetryMsg
	require.NoError(t, json.Unmarshal(m.payload, &got))
	require.Equal(t, telemetryMsg{ID: 0x12, Len: 2, Data: "0aff", TS: 1700000000000}, got)
	require.Eventually(t, func() bool { return metrics.Snap().Uplink > pre.Uplink }, time.Second, time.Millisecond)
}

func TestPublishStateRetained(t *testing.T) {
	c := &fakeClient{}
	u := newTestUplink(c, "")
	u.PublishState(bxcan.StateError)
	m := c.last()
	require.Equal(t, "board1/bus/state", m.topic)
	require.Equal(t, byte(1), m.qos)
	require.True(t, m.retained)
	var got stateMsg
	require.NoError(t, json.Unmarshal(m.payload, &got))
	require.Equal(t, bxcan.StateError.String(), got.State)
	require.Equal(t, int(bxcan.StateError), got.Code)
}

func TestPublishFailuresCountErrors(t *testing.T) {
	for name, tok := range map[string]func() paho.Token{
		"error":   func() paho.Token { return doneToken(errors.New("not connected")) },
		"timeout": func() paho.Token { return &fakeToken{done: make(chan struct{})} },
	} {
		t.Run(name, func(t *testing.T) {
			c := &fakeClient{tok: tok}
			u := newTestUplink(c, "")
			pre := metrics.Snap()
			u.PublishState(bxcan.StateListening)
			require.Eventually(t, func() bool { return metrics.Snap().Errors > pre.Errors }, time.Second, time.Millisecond)
		})
	}
}

func TestClientOptionsFromURL(t *testing.T) {
	opts, prefix, err := ClientOptionsFromURL("mqtt://user:pw@broker:1883/site/a?client-id=custom", "dcbus-x")
	require.NoError(t, err)
	require.Equal(t, "site/a", prefix)
	require.Len(t, opts.Servers, 1)
	require.Equal(t, "tcp://broker:1883", opts.Servers[0].String())
	require.Equal(t, "user", opts.Username)
	require.Equal(t, "pw", opts.Password)
	require.Equal(t, "custom", opts.ClientID)

	opts, prefix, err = ClientOptionsFromURL("mqtts://broker:8883", "dcbus-x")
	require.NoError(t, err)
	require.Empty(t, prefix)
	require.Equal(t, "ssl://broker:8883", opts.Servers[0].String())
	require.Equal(t, "dcbus-x", opts.ClientID)

	_, _, err = ClientOptionsFromURL("broker-without-scheme", "x")
	require.Error(t, err)
}

func TestBoardIDStable(t *testing.T) {
	a, b := BoardID(), BoardID()
	require.NotEmpty(t, a)
	require.Equal(t, a, b)
}

func TestJoinTopic(t *testing.T) {
	require.Equal(t, "a/b", joinTopic("/a/", "", "b"))
	require.Equal(t, "b", joinTopic("", "b"))
}
