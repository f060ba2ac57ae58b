package relproxy

import (
	"context"
	"net"
	"testing"

	"github.com/function61/gokit/assert"
)

func TestServeConn(t *testing.T) {
	env := testProxyEnv(t)

	serverSide, clientSide := net.Pipe()

	serveResult := make(chan error, 1)
	go func() {
		serveResult <- ServeConn(context.Background(), env.db, serverSide, env.opts())
	}()

	call := func(req *request) *response {
		assert.Ok(t, writeFrame(clientSide, req))

		resp := &response{}
		assert.Ok(t, readFrame(clientSide, resp))
		return resp
	}

	openResp := call(&request{Op: opOpen, Token: env.token})
	assert.Assert(t, openResp.OK)
	assert.EqualString(t, string(openResp.Data), env.repoID)

	assert.Assert(t, call(&request{Op: opNegotiate}).OK)

	plaintext := []byte("framed chunk payload")
	ref := env.clientKey.ChunkID(plaintext)

	sealed, err := env.clientKey.Encrypt(plaintext)
	assert.Ok(t, err)

	assert.Assert(t, call(&request{Op: opPut, Ref: ref.AsBytes(), Data: sealed}).OK)

	getResp := call(&request{Op: opGet, Ref: ref.AsBytes()})
	assert.Assert(t, getResp.OK)

	roundtripped, err := env.clientKey.Decrypt(ref, getResp.Data)
	assert.Ok(t, err)
	assert.EqualString(t, string(roundtripped), string(plaintext))

	nonceResp := call(&request{Op: opGetFreeNonce})
	assert.Assert(t, nonceResp.OK)
	assert.Assert(t, nonceResp.Nonce == 0)

	assert.Assert(t, call(&request{Op: opCommit}).OK)

	badResp := call(&request{Op: "frobnicate"})
	assert.Assert(t, !badResp.OK)
	assert.EqualString(t, badResp.Error, "unknown operation: frobnicate")

	// hangup ends the serve loop cleanly
	assert.Ok(t, clientSide.Close())
	assert.Ok(t, <-serveResult)
}

func TestServeConnRejectsBadToken(t *testing.T) {
	env := testProxyEnv(t)

	serverSide, clientSide := net.Pipe()

	serveResult := make(chan error, 1)
	go func() {
		serveResult <- ServeConn(context.Background(), env.db, serverSide, env.opts())
	}()

	assert.Ok(t, writeFrame(clientSide, &request{Op: opOpen, Token: "bogus"}))

	resp := &response{}
	assert.Ok(t, readFrame(clientSide, resp))
	assert.Assert(t, !resp.OK)
	assert.EqualString(t, resp.Error, ErrUnknownToken.Error())

	assert.Assert(t, <-serveResult == ErrUnknownToken)

	_ = clientSide.Close()
}
