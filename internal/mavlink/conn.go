package mavlink

import (
	"context"
	"fmt"
	"sync"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// Frame is one decoded inbound message and its source.
type Frame struct {
	SystemID    uint8
	ComponentID uint8
	Message     message.Message
}

// Conn is one MAVLink channel to the autopilot. Frames is closed when the
// channel ends.
type Conn interface {
	Frames() <-chan Frame
	Send(msg message.Message) error
	Close() error
}

// Dialer opens a Conn for one link session.
type Dialer func(ctx context.Context) (Conn, error)

// NodeDialer returns a Dialer that opens a gomavlib node with a single TCP
// client endpoint, the common dialect and outgoing v2 frames.
func NodeDialer(addr string, systemID uint8) Dialer {
	return func(ctx context.Context) (Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		node, err := gomavlib.NewNode(gomavlib.NodeConf{
			Endpoints: []gomavlib.EndpointConf{
				gomavlib.EndpointTCPClient{Address: addr},
			},
			Dialect:     common.Dialect,
			OutVersion:  gomavlib.V2,
			OutSystemID: systemID,
		})
		if err != nil {
			return nil, fmt.Errorf("mavlink node %s: %w", addr, err)
		}
		return newNodeConn(node), nil
	}
}

type nodeConn struct {
	node   *gomavlib.Node
	frames chan Frame
	done   chan struct{}
	once   sync.Once
}

func newNodeConn(node *gomavlib.Node) *nodeConn {
	c := &nodeConn{
		node:   node,
		frames: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *nodeConn) pump() {
	defer close(c.frames)
	for evt := range c.node.Events() {
		fr, ok := evt.(*gomavlib.EventFrame)
		if !ok {
			continue
		}
		select {
		case c.frames <- Frame{SystemID: fr.SystemID(), ComponentID: fr.ComponentID(), Message: fr.Message()}:
		case <-c.done:
			return
		}
	}
}

func (c *nodeConn) Frames() <-chan Frame { return c.frames }

func (c *nodeConn) Send(msg message.Message) error {
	select {
	case <-c.done:
		return ErrLinkClosed
	default:
	}
	return c.node.WriteMessageAll(msg)
}

func (c *nodeConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.node.Close()
	})
	return nil
}
