// Package uplink mirrors accepted telemetry and bus state to an MQTT broker.
//
// Topics, below the optional prefix taken from the broker URL path:
//
//	<board>/telemetry/<id>   one JSON message per accepted frame, QoS 0
//	<board>/bus/state        retained JSON state, QoS 1
package uplink

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kstaniek/go-dcbus/internal/bxcan"
	"github.com/kstaniek/go-dcbus/internal/can"
	"github.com/kstaniek/go-dcbus/internal/logging"
	"github.com/kstaniek/go-dcbus/internal/metrics"
)

const (
	appID                 = "dcbus"
	DefaultConnectTimeout = 5 * time.Second
	DefaultPublishTimeout = 2 * time.Second
)

var ErrConnect = errors.New("uplink connect")

// Client is the part of paho.Client the uplink publishes through.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

type Uplink struct {
	client  Client
	root    string
	timeout time.Duration
	log     *slog.Logger
	now     func() time.Time
	closeFn func()
}

type Option func(*Uplink)

func WithLogger(l *slog.Logger) Option { return func(u *Uplink) { u.log = logging.Or(l) } }

func WithPublishTimeout(d time.Duration) Option {
	return func(u *Uplink) {
		if d > 0 {
			u.timeout = d
		}
	}
}

// New publishes through c under prefix/board.
func New(c Client, prefix, board string, opts ...Option) *Uplink {
	u := &Uplink{
		client:  c,
		root:    joinTopic(prefix, board),
		timeout: DefaultPublishTimeout,
		log:     logging.L(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// BoardID is a stable identity for this board, hashed so the raw machine id
// never leaves the host. It falls back to the hostname.
func BoardID() string {
	if id, err := machineid.ProtectedID(appID); err == nil && len(id) >= 12 {
		return id[:12]
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return appID
}

// ClientOptionsFromURL parses mqtt://[user:pass@]host:port/prefix?client-id=x.
func ClientOptionsFromURL(brokerURL, clientID string) (*paho.ClientOptions, string, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, "", err
	}
	if u.Host == "" {
		return nil, "", fmt.Errorf("broker url %q: missing host", brokerURL)
	}
	scheme := u.Scheme
	switch scheme {
	case "", "mqtt":
		scheme = "tcp"
	case "mqtts":
		scheme = "ssl"
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(scheme + "://" + u.Host).
		SetAutoReconnect(true).
		SetCleanSession(true)
	if u.User != nil {
		opts.SetUsername(u.User.Username())
		if pwd, ok := u.User.Password(); ok {
			opts.SetPassword(pwd)
		}
	}
	if id := u.Query().Get("client-id"); id != "" {
		clientID = id
	}
	opts.SetClientID(clientID)
	return opts, strings.Trim(u.Path, "/"), nil
}

// Dial connects to the broker at brokerURL and returns an Uplink publishing
// under board. Close disconnects.
func Dial(ctx context.Context, brokerURL, board string, opts ...Option) (*Uplink, error) {
	popts, prefix, err := ClientOptionsFromURL(brokerURL, appID+"-"+board)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	u := New(nil, prefix, board, opts...)
	popts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		metrics.IncError(metrics.ErrUplink)
		u.log.Warn("uplink_connection_lost", "error", err)
	})
	c := paho.NewClient(popts)
	tok := c.Connect()
	deadline := DefaultConnectTimeout
	if dl, ok := ctx.Deadline(); ok {
		deadline = time.Until(dl)
	}
	if !tok.WaitTimeout(deadline) {
		return nil, fmt.Errorf("%w: timeout after %s", ErrConnect, deadline)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	u.client = c
	u.closeFn = func() { c.Disconnect(250) }
	u.log.Info("uplink_connected", "broker", brokerURL, "root", u.root)
	return u, nil
}

func (u *Uplink) Close() {
	if u.closeFn != nil {
		u.closeFn()
	}
}

type telemetryMsg struct {
	ID   uint32 `json:"id"`
	Len  uint8  `json:"len"`
	Data string `json:"data"`
	TS   int64  `json:"ts_ms"`
}

type stateMsg struct {
	State string `json:"state"`
	Code  int    `json:"code"`
	TS    int64  `json:"ts_ms"`
}

// PublishFrame sends one telemetry message. Delivery is checked off the
// caller's goroutine.
func (u *Uplink) PublishFrame(fr can.Frame) {
	msg := telemetryMsg{ID: fr.ID, Len: fr.Len, Data: hex.EncodeToString(fr.Payload()), TS: u.now().UnixMilli()}
	u.publish(fmt.Sprintf("%s/telemetry/0x%03X", u.root, fr.ID), 0, false, msg)
}

// PublishState sends the retained bus state.
func (u *Uplink) PublishState(s bxcan.State) {
	u.publish(u.root+"/bus/state", 1, true, stateMsg{State: s.String(), Code: int(s), TS: u.now().UnixMilli()})
}

func (u *Uplink) publish(topic string, qos byte, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		metrics.IncError(metrics.ErrUplink)
		u.log.Error("uplink_encode_error", "topic", topic, "error", err)
		return
	}
	tok := u.client.Publish(topic, qos, retained, payload)
	go u.await(topic, tok)
}

func (u *Uplink) await(topic string, tok paho.Token) {
	if !tok.WaitTimeout(u.timeout) {
		metrics.IncError(metrics.ErrUplink)
		u.log.Warn("uplink_publish_timeout", "topic", topic)
		return
	}
	if err := tok.Error(); err != nil {
		metrics.IncError(metrics.ErrUplink)
		u.log.Warn("uplink_publish_error", "topic", topic, "error", err)
		return
	}
	metrics.IncUplink()
}

func joinTopic(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}
