// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package submission

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/killkrill/killkrill/pkg/version"
)

// Fully-qualified method names of the backend's binary submission service.
// Payloads cross the wire as opaque JSON frames, so no generated stubs are
// needed; calls go through Invoke with a raw-bytes codec.
const (
	rpcSubmitLogs    = "/killkrill.v1.Submission/SubmitLogs"
	rpcSubmitMetrics = "/killkrill.v1.Submission/SubmitMetrics"
)

// handshakeTimeout bounds how long the initial channel setup may take
// before the client falls back to HTTP.
const handshakeTimeout = 5 * time.Second

// rawCodec moves []byte frames through grpc without protobuf marshaling.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("submission: raw codec cannot marshal %T", v)
	}
	return b, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	p, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("submission: raw codec cannot unmarshal into %T", v)
	}
	*p = data
	return nil
}

func (rawCodec) Name() string { return "killkrill-raw" }

// bearerCredentials attaches the current access token to each RPC.
type bearerCredentials struct {
	tokens *tokenStore
}

func (b *bearerCredentials) GetRequestMetadata(_ context.Context, _ ...string) (map[string]string, error) {
	access, ok := b.tokens.accessToken()
	if !ok {
		return nil, errors.New("submission: no access token for rpc call")
	}
	return map[string]string{"authorization": "Bearer " + access}, nil
}

func (b *bearerCredentials) RequireTransportSecurity() bool {
	return false // TLS is negotiated at the channel, not per call
}

// rpcTransport is the preferred transport: one shared channel, unary calls
// with raw JSON frames.
type rpcTransport struct {
	conn *grpc.ClientConn
}

// dialRPC opens the channel and waits for it to become ready within the
// handshake timeout. A channel that cannot become ready is closed and the
// error returned so the caller can fall back to HTTP.
func dialRPC(ctx context.Context, addr string, useTLS bool, serverName string, tokens *tokenStore) (*rpcTransport, error) {
	var opts []grpc.DialOption
	if useTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{
			ServerName: serverName,
		})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                30 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}))
	opts = append(opts, grpc.WithUserAgent(fmt.Sprintf("killkrill/%s", version.Version)))
	opts = append(opts, grpc.WithPerRPCCredentials(&bearerCredentials{tokens: tokens}))
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})))

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("submission: create rpc channel to %s: %w", addr, err)
	}

	t := &rpcTransport{conn: conn}
	if err := t.waitReady(ctx); err != nil {
		conn.Close() //nolint:errcheck
		return nil, err
	}
	return t, nil
}

// waitReady drives the channel out of idle and blocks until it is ready or
// the handshake timeout elapses.
func (t *rpcTransport) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	t.conn.Connect()
	for {
		state := t.conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if !t.conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("submission: rpc channel not ready (state %s): %w", state, ctx.Err())
		}
	}
}

func (t *rpcTransport) Name() string { return "rpc" }

func (t *rpcTransport) SubmitLogs(ctx context.Context, payload []byte) error {
	return t.invoke(ctx, rpcSubmitLogs, payload)
}

func (t *rpcTransport) SubmitMetrics(ctx context.Context, payload []byte) error {
	return t.invoke(ctx, rpcSubmitMetrics, payload)
}

func (t *rpcTransport) invoke(ctx context.Context, method string, payload []byte) error {
	var reply []byte
	if err := t.conn.Invoke(ctx, method, payload, &reply); err != nil {
		if status.Code(err) == codes.Unauthenticated {
			return fmt.Errorf("%w: rpc %s: %v", errUnauthorized, method, err)
		}
		return fmt.Errorf("submission: rpc %s: %w", method, err)
	}
	return nil
}

func (t *rpcTransport) Close() error {
	return t.conn.Close()
}
