package relproxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/asdine/storm/codec/msgpack"
	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/function61/gokit/logex"
	"go.etcd.io/bbolt"
)

// chunks top out well below this; a larger frame means a confused or
// malicious peer
const maxFrameLen = 64 * 1024 * 1024

var errFrameTooLarge = errors.New("frame exceeds maximum length")

const (
	opOpen                   = "open"
	opNegotiate              = "negotiate"
	opGet                    = "get"
	opGetMany                = "get_many"
	opPut                    = "put"
	opDelete                 = "delete"
	opCommit                 = "commit"
	opRollback               = "rollback"
	opLoadKey                = "load_key"
	opGetFreeNonce           = "get_free_nonce"
	opCommitNonceReservation = "commit_nonce_reservation"
)

type request struct {
	Op    string
	Token string   // open only
	Ref   []byte   // get/put/delete
	Refs  [][]byte // get_many
	Data  []byte   // put
	Nonce uint64   // commit_nonce_reservation
}

type response struct {
	OK       bool
	Error    string
	Data     []byte
	DataMany [][]byte
	Nonce    uint64
}

func readFrame(r io.Reader, msg any) error {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return err
	}

	frameLen := binary.BigEndian.Uint32(lenBuf)
	if frameLen > maxFrameLen {
		return errFrameTooLarge
	}

	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		return err
	}

	return msgpack.Codec.Unmarshal(frame, msg)
}

func writeFrame(w io.Writer, msg any) error {
	frame, err := msgpack.Codec.Marshal(msg)
	if err != nil {
		return err
	}

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(frame)))

	if _, err := w.Write(lenBuf); err != nil {
		return err
	}

	_, err = w.Write(frame)
	return err
}

// ServeConn speaks the framed repository protocol over rw until the peer
// hangs up. The first frame must be an open carrying the session token;
// everything after that runs inside the session. Transport errors end the
// loop; operation errors travel back to the peer in-band.
func ServeConn(ctx context.Context, db *bolt.DB, rw io.ReadWriter, opts Options) error {
	logl := logex.Levels(logex.NonNil(opts.Logger))

	session, err := handshake(ctx, db, rw, opts)
	if err != nil {
		// let the peer know before tearing down
		_ = writeFrame(rw, &response{Error: err.Error()})
		return err
	}

	defer func() {
		if err := session.Close(ctx); err != nil {
			logl.Error.Printf("session close: %v", err)
		}
	}()

	for {
		req := &request{}
		if err := readFrame(rw, req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		resp := dispatch(ctx, session, req)

		if err := writeFrame(rw, resp); err != nil {
			return err
		}
	}
}

func handshake(ctx context.Context, db *bolt.DB, rw io.ReadWriter, opts Options) (*Session, error) {
	req := &request{}
	if err := readFrame(rw, req); err != nil {
		return nil, err
	}

	if req.Op != opOpen {
		return nil, fmt.Errorf("expected %s as first operation, got %s", opOpen, req.Op)
	}

	session, err := OpenSession(ctx, db, req.Token, opts)
	if err != nil {
		return nil, err
	}

	// the repository id is the only repository metadata the client gets
	if err := writeFrame(rw, &response{OK: true, Data: []byte(session.RepositoryID())}); err != nil {
		_ = session.Close(ctx)
		return nil, err
	}

	return session, nil
}

func dispatch(ctx context.Context, session *Session, req *request) *response {
	switch req.Op {
	case opNegotiate:
		return &response{OK: true}
	case opGet:
		return dataResponse(withRef(req.Ref, func(ref reltypes.ChunkRef) ([]byte, error) {
			return session.Get(ctx, ref)
		}))
	case opGetMany:
		refs := []reltypes.ChunkRef{}
		for _, raw := range req.Refs {
			ref, err := reltypes.ChunkRefFromBytes(raw)
			if err != nil {
				return errorResponse(err)
			}

			refs = append(refs, *ref)
		}

		results, err := session.GetMany(ctx, refs)
		if err != nil {
			return errorResponse(err)
		}

		return &response{OK: true, DataMany: results}
	case opPut:
		return okResponse(withRefErr(req.Ref, func(ref reltypes.ChunkRef) error {
			return session.Put(ctx, ref, req.Data)
		}))
	case opDelete:
		return okResponse(withRefErr(req.Ref, func(ref reltypes.ChunkRef) error {
			return session.Delete(ctx, ref)
		}))
	case opCommit:
		return okResponse(session.Commit(ctx))
	case opRollback:
		return okResponse(session.Rollback(ctx))
	case opLoadKey:
		return dataResponse(session.LoadKey())
	case opGetFreeNonce:
		return &response{OK: true, Nonce: session.GetFreeNonce()}
	case opCommitNonceReservation:
		session.CommitNonceReservation(req.Nonce)
		return &response{OK: true}
	default:
		return errorResponse(fmt.Errorf("unknown operation: %s", req.Op))
	}
}

func withRef(raw []byte, fn func(ref reltypes.ChunkRef) ([]byte, error)) ([]byte, error) {
	ref, err := reltypes.ChunkRefFromBytes(raw)
	if err != nil {
		return nil, err
	}

	return fn(*ref)
}

func withRefErr(raw []byte, fn func(ref reltypes.ChunkRef) error) error {
	ref, err := reltypes.ChunkRefFromBytes(raw)
	if err != nil {
		return err
	}

	return fn(*ref)
}

func okResponse(err error) *response {
	if err != nil {
		return errorResponse(err)
	}

	return &response{OK: true}
}

func dataResponse(data []byte, err error) *response {
	if err != nil {
		return errorResponse(err)
	}

	return &response{OK: true, Data: data}
}

func errorResponse(err error) *response {
	return &response{OK: false, Error: err.Error()}
}
