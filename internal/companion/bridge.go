package companion

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/lowaak/smart-trainer/trainer-connect/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/trainer"
)

// Bridge serves one trainer.Adapter to companion clients over WebSocket.
// Every client sees the same trainer; telemetry is pushed to all of them.
type Bridge struct {
	adapter  trainer.Adapter
	logger   logrus.FieldLogger
	upgrader websocket.Upgrader
	// RequestTimeout bounds one adapter call made for a client.
	RequestTimeout time.Duration

	mu      sync.Mutex
	clients map[*bridgeClient]struct{}
}

type bridgeClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	addr    string
}

// NewBridge wraps adapter. The returned Bridge is an http.Handler.
func NewBridge(adapter trainer.Adapter, logger logrus.FieldLogger) *Bridge {
	if logger == nil {
		panic("Bridge: logger cannot be nil")
	}
	return &Bridge{
		adapter: adapter,
		logger:  logger.WithField("component", "bridge"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients are local apps, not browsers on foreign origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		RequestTimeout: 15 * time.Second,
		clients:        make(map[*bridgeClient]struct{}),
	}
}

// ClientCount returns the number of open client sockets.
func (b *Bridge) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Errorf("Bridge: failed to upgrade %s: %v", r.RemoteAddr, err)
		return
	}
	client := &bridgeClient{conn: conn, addr: r.RemoteAddr}
	b.logger.Infof("Bridge: client %s connected", client.addr)

	b.mu.Lock()
	b.clients[client] = struct{}{}
	b.mu.Unlock()

	unsubscribe := b.adapter.SubscribeTelemetry(func(t trainer.Telemetry) {
		if err := client.send(NewTelemetry(t)); err != nil {
			b.logger.Debugf("Bridge: telemetry to %s dropped: %v", client.addr, err)
		}
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		unsubscribe()
		b.mu.Lock()
		delete(b.clients, client)
		b.mu.Unlock()
		conn.Close()
		b.logger.Infof("Bridge: client %s disconnected", client.addr)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Warnf("Bridge: client %s closed unexpectedly: %v", client.addr, err)
			}
			return
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			b.logger.Warnf("Bridge: bad frame from %s: %v", client.addr, err)
			_ = client.send(NewError("", err))
			continue
		}
		if !msg.Type.IsRequest() {
			b.logger.Debugf("Bridge: ignoring %s from %s", msg.Type, client.addr)
			continue
		}

		// Requests run concurrently so a slow scan does not block control.
		go_func_utils.SafeGo(b.logger, func() {
			resp := b.handle(ctx, msg)
			if err := client.send(resp); err != nil {
				b.logger.Debugf("Bridge: response to %s dropped: %v", client.addr, err)
			}
		})
	}
}

func (c *bridgeClient) send(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

// handle runs one request against the adapter and builds its response.
func (b *Bridge) handle(ctx context.Context, msg Message) Message {
	ctx, cancel := context.WithTimeout(ctx, b.RequestTimeout)
	defer cancel()

	id := msg.RequestID
	b.logger.Debugf("Bridge: %s (%s)", msg.Type, id)

	switch msg.Type {
	case TypeScan:
		devices, err := b.adapter.Scan(ctx)
		if err != nil {
			return NewError(id, err)
		}
		return NewScanResult(id, devices)

	case TypeConnect:
		if err := b.adapter.Connect(ctx, msg.DeviceID); err != nil {
			return NewError(id, err)
		}
		if !b.adapter.IsConnected() {
			return NewError(id, fmt.Errorf("trainer is %s", b.adapter.State()))
		}
		return NewConnected(id, msg.DeviceID, b.adapter.Capabilities())

	case TypeDisconnect:
		return NewAck(id, b.adapter.Disconnect())

	case TypeSetErg:
		if msg.Watts == nil {
			return NewError(id, fmt.Errorf("setErg requires watts"))
		}
		return NewAck(id, b.adapter.SetErgWatts(ctx, *msg.Watts))

	case TypeSetResistance:
		setter, ok := b.adapter.(trainer.ResistanceSetter)
		if !ok || msg.Level == nil {
			return NewError(id, trainer.ErrUnsupported)
		}
		return NewAck(id, setter.SetResistance(ctx, *msg.Level))

	case TypeSetSlope:
		setter, ok := b.adapter.(trainer.SlopeSetter)
		if !ok || msg.Grade == nil {
			return NewError(id, trainer.ErrUnsupported)
		}
		return NewAck(id, setter.SetSlope(ctx, *msg.Grade))

	case TypeRequestControl:
		requester, ok := b.adapter.(trainer.ControlRequester)
		if !ok {
			return NewError(id, trainer.ErrUnsupported)
		}
		return NewAck(id, requester.RequestControl(ctx))

	case TypeStart:
		starter, ok := b.adapter.(trainer.Starter)
		if !ok {
			return NewError(id, trainer.ErrUnsupported)
		}
		return NewAck(id, starter.Start(ctx))
	}
	return NewError(id, fmt.Errorf("unsupported request %q", msg.Type))
}
