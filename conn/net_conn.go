/*
Package conn implements the connection between a pair of peers.
Unlike a request pool, each connection is used in both directions for the
lifetime of a replication session: one goroutine reads with ReadMsg while
any number of goroutines write with SendMsg.
Each message is framed by a byte that indicates its type, followed by the
msgpack encoding of the message.
*/
package conn

import (
	"bufio"
	"fmt"
	"net"
	"reflect"
	"sync"

	"github.com/hashicorp/go-msgpack/codec"
)

// NetConn represents a duplex connection between two peers.
type NetConn struct {
	target string
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	enc    *codec.Encoder
	dec    *codec.Decoder

	reflectedTypesMap map[uint8]reflect.Type

	sendLock  sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewNetConn wraps an established connection. reflectedTypesMap maps each
// type byte to the message type decoded by ReadMsg.
func NewNetConn(conn net.Conn, reflectedTypesMap map[uint8]reflect.Type) *NetConn {
	netC := &NetConn{
		target:            conn.RemoteAddr().String(),
		conn:              conn,
		r:                 bufio.NewReader(conn),
		w:                 bufio.NewWriter(conn),
		reflectedTypesMap: reflectedTypesMap,
	}
	netC.enc = codec.NewEncoder(netC.w, &codec.MsgpackHandle{})
	netC.dec = codec.NewDecoder(netC.r, &codec.MsgpackHandle{})
	return netC
}

// Target returns the remote address of the connection.
func (n *NetConn) Target() string {
	return n.target
}

// SendMsg is used to encode and send the msg. It is safe for concurrent use.
func (n *NetConn) SendMsg(rpcType uint8, msg interface{}) error {
	n.sendLock.Lock()
	defer n.sendLock.Unlock()

	// Write the msg type
	if err := n.w.WriteByte(rpcType); err != nil {
		n.Release()
		return err
	}

	// Send the msg
	if err := n.enc.Encode(msg); err != nil {
		n.Release()
		return err
	}

	// Flush
	if err := n.w.Flush(); err != nil {
		n.Release()
		return err
	}
	return nil
}

// ReadMsg blocks until a whole msg is decoded and returns its type byte and
// value. Only one goroutine may call ReadMsg.
func (n *NetConn) ReadMsg() (uint8, interface{}, error) {
	// Get the msg type
	rpcType, err := n.r.ReadByte()
	if err != nil {
		return 0, nil, err
	}

	reflectedType, ok := n.reflectedTypesMap[rpcType]
	if !ok {
		return 0, nil, fmt.Errorf("type of the msg (%d) is unknown", rpcType)
	}
	msgBody := reflect.New(reflectedType)
	if err := n.dec.Decode(msgBody.Interface()); err != nil {
		return 0, nil, err
	}
	return rpcType, msgBody.Elem().Interface(), nil
}

// Release closes the connection in a NetConn variable.
func (n *NetConn) Release() error {
	n.closeOnce.Do(func() {
		n.closeErr = n.conn.Close()
	})
	return n.closeErr
}
