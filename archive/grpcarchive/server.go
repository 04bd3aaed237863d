package grpcarchive

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/Sarbajit-2004/llm-code-deploy/archive"
	"github.com/Sarbajit-2004/llm-code-deploy/digest"
)

// Server exposes an archive.Archive over the Archive gRPC service.
type Server struct {
	UnimplementedArchiveServer
	Archive archive.Archive
}

func (s *Server) Put(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	if s == nil || s.Archive == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing archive")
	}
	b := in.GetValue()
	expected, err := digest.CID(b)
	if err != nil {
		return nil, status.Error(codes.Internal, "cid computation failed")
	}
	id, err := s.Archive.Put(ctx, b)
	if err != nil {
		return nil, toStatus(err)
	}
	if !id.Equals(expected) {
		return nil, status.Error(codes.DataLoss, archive.ErrIDMismatch.Error())
	}
	return wrapperspb.String(id.String()), nil
}

func (s *Server) Get(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	if s == nil || s.Archive == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing archive")
	}
	id, err := cid.Decode(in.GetValue())
	if err != nil || !id.Defined() {
		return nil, status.Error(codes.InvalidArgument, archive.ErrInvalidID.Error())
	}
	b, err := s.Archive.Get(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	if got, err := digest.CID(b); err != nil || !got.Equals(id) {
		return nil, status.Error(codes.DataLoss, archive.ErrIDMismatch.Error())
	}
	return wrapperspb.Bytes(b), nil
}

func (s *Server) Has(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	if s == nil || s.Archive == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing archive")
	}
	id, err := cid.Decode(in.GetValue())
	if err != nil || !id.Defined() {
		return nil, status.Error(codes.InvalidArgument, archive.ErrInvalidID.Error())
	}
	ok, err := s.Archive.Has(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bool(ok), nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, archive.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, archive.ErrInvalidID):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, archive.ErrIDMismatch):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, archive.ErrImmutable):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus maps RPC status codes back onto archive sentinel errors.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return archive.ErrNotFound
	case codes.InvalidArgument:
		return archive.ErrInvalidID
	case codes.DataLoss:
		return archive.ErrIDMismatch
	case codes.AlreadyExists:
		return archive.ErrImmutable
	default:
		return err
	}
}
