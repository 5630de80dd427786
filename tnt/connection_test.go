package tnt

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tsafin/tntcxx/msgpack"
)

// pairedConnections builds two Connections over an in-process net.Pipe,
// with a greeting already exchanged, so Send/Recv can be exercised
// without a real TCP listener.
func pairedConnections(t *testing.T) (client, server *Connection) {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })

	cfg := defaultConfig()
	cfg.readTimeout = 2 * time.Second
	cfg.writeTimeout = 2 * time.Second

	clientConn, err := newConnection(c1, cfg)
	require.NoError(t, err)
	serverConn, err := newConnection(c2, cfg)
	require.NoError(t, err)

	greeting := make([]byte, greetingSize)
	for i := range greeting {
		greeting[i] = ' '
	}
	copy(greeting, []byte("tntcxx-go test server"))

	done := make(chan error, 1)
	go func() {
		_, err := serverConn.conn.Write(greeting)
		done <- err
	}()
	require.NoError(t, clientConn.readGreeting())
	require.NoError(t, <-done)

	return clientConn, serverConn
}

func TestSendRecvRoundTrip(t *testing.T) {
	client, server := pairedConnections(t)
	defer client.Close()
	defer server.Close()

	ctx := context.Background()

	sendErr := make(chan error, 1)
	var sentSync uint64
	go func() {
		sync, err := client.Send(ctx, func(e *msgpack.Encoder) error {
			if err := e.AddMap(2); err != nil {
				return err
			}
			if err := e.AddUint(0x00); err != nil { // IPROTO_REQUEST_TYPE
				return err
			}
			if err := e.AddUint(1); err != nil { // SELECT
				return err
			}
			if err := e.AddUint(0x10); err != nil { // IPROTO_SPACE_ID
				return err
			}
			return e.AddUint(512)
		})
		sentSync = sync
		sendErr <- err
	}()

	dec, err := server.Recv(ctx)
	require.NoError(t, err)
	require.NoError(t, <-sendErr)
	require.NotZero(t, sentSync)

	// Request keys here are raw IPROTO field numbers, not struct tags,
	// so decode via a manual Reader that captures both key/value pairs.
	var gotKeys []uint64
	var gotVals []uint64
	expectKey := true
	var reader msgpack.Reader
	reader = msgpack.ReaderFunc(func(d *msgpack.Decoder, tag msgpack.Tag, v msgpack.Value) error {
		if v.Kind == msgpack.KindMap {
			return nil // the map header itself, delivered before its pairs
		}
		if expectKey {
			gotKeys = append(gotKeys, v.Uint)
		} else {
			gotVals = append(gotVals, v.Uint)
		}
		expectKey = !expectKey
		return nil
	})
	dec.SetReader(false, reader)
	status, err := dec.Read()
	require.NoError(t, err)
	require.Equal(t, msgpack.ReadSuccess, status)
	require.Equal(t, []uint64{0, 16}, gotKeys)
	require.Equal(t, []uint64{1, 512}, gotVals)
}
