// Package rpc implements the RPC Surface of spec §4.7: Session, Control,
// Version, LabInfo and LabRecord services on top of google.golang.org/grpc.
// Wire messages are plain Go structs (this domain has no existing .proto
// schema to codegen from; see DESIGN.md) carried by a custom JSON codec
// registered with grpc's encoding registry, so the transport is still a real
// grpc.Server/ClientConn — service registration, deadlines, status codes and
// streaming all behave exactly as they would with protoc-generated stubs.
// Field masks use google.golang.org/protobuf/types/known/fieldmaskpb, a
// pre-built proto message that needs no code generation of its own.
package rpc

import (
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	olcerrors "github.com/google/device-infra-sub011/internal/errors"
)

// kindKey prefixes a status message with the originating Kind so a Go client
// can recover it losslessly, per spec §7 ("the client reconstructs the chain
// lossily (message-only for non-local codes)" — local, i.e. *errors.Error,
// codes round-trip exactly via this prefix).
const kindPrefix = "olc-kind"

func grpcCode(kind olcerrors.Kind) codes.Code {
	switch kind {
	case olcerrors.KindInvalidArgument:
		return codes.InvalidArgument
	case olcerrors.KindNotFound:
		return codes.NotFound
	case olcerrors.KindPreconditionFailed:
		return codes.FailedPrecondition
	case olcerrors.KindTimeout:
		return codes.DeadlineExceeded
	case olcerrors.KindCancelled:
		return codes.Canceled
	case olcerrors.KindAllocationAborted:
		return codes.Aborted
	case olcerrors.KindDeviceLost:
		return codes.Unavailable
	case olcerrors.KindChecksumMismatch:
		return codes.DataLoss
	case olcerrors.KindVersionIncompatible:
		return codes.FailedPrecondition
	case olcerrors.KindLockFailure:
		return codes.Unavailable
	case olcerrors.KindLoadFailure, olcerrors.KindIOFailure, olcerrors.KindInternal:
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// toStatus translates a domain error into a gRPC status per spec §4.7
// ("domain-error -> RPC-status translation"). Non-*errors.Error values map
// to INTERNAL, matching internal/errors.KindOf's own fallback.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	kind := olcerrors.KindOf(err)
	return status.Error(grpcCode(kind), fmt.Sprintf("[%s=%s] %s", kindPrefix, kind, err.Error()))
}

// KindFromError recovers the originating Kind from an error returned by an
// RPC call wrapped with toStatus, for Go clients that want it (spec §7).
func KindFromError(err error) (olcerrors.Kind, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return olcerrors.KindUnspecified, false
	}
	msg := st.Message()
	marker := "[" + kindPrefix + "="
	start := strings.Index(msg, marker)
	if start < 0 {
		return olcerrors.KindUnspecified, false
	}
	start += len(marker)
	end := strings.Index(msg[start:], "]")
	if end < 0 {
		return olcerrors.KindUnspecified, false
	}
	name := msg[start : start+end]
	for _, k := range []olcerrors.Kind{
		olcerrors.KindInvalidArgument, olcerrors.KindNotFound, olcerrors.KindPreconditionFailed,
		olcerrors.KindTimeout, olcerrors.KindCancelled, olcerrors.KindAllocationAborted,
		olcerrors.KindDeviceLost, olcerrors.KindLoadFailure, olcerrors.KindChecksumMismatch,
		olcerrors.KindIOFailure, olcerrors.KindVersionIncompatible, olcerrors.KindInternal,
		olcerrors.KindLockFailure,
	} {
		if k.String() == name {
			return k, true
		}
	}
	return olcerrors.KindUnspecified, false
}
