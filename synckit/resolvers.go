package synckit

import (
	"context"
	"fmt"
)

var (
	_ ConflictResolver = (*LastWriteWinsResolver)(nil)
	_ ConflictResolver = (*KeepLocalResolver)(nil)
	_ ConflictResolver = (*KeepRemoteResolver)(nil)
	_ ConflictResolver = (*ManualReviewResolver)(nil)
)

// LastWriteWinsResolver keeps whichever side was updated last. Ties go to
// the server.
type LastWriteWinsResolver struct{}

func (r *LastWriteWinsResolver) Resolve(ctx context.Context, c ConflictCase) (Resolution, error) {
	if c.Server.ServerUnknown {
		return unknownServerState(), nil
	}
	if c.Local == nil {
		return Resolution{Strategy: KeepRemote, Reasons: []string{"local missing"}}, nil
	}
	if c.Local.UpdatedAt.After(c.Server.ServerUpdated) {
		return Resolution{Strategy: KeepLocal, Reasons: []string{"local newer"}}, nil
	}
	return Resolution{Strategy: KeepRemote, Reasons: []string{"remote newer or equal"}}, nil
}

type KeepLocalResolver struct{}

func (r *KeepLocalResolver) Resolve(ctx context.Context, c ConflictCase) (Resolution, error) {
	return Resolution{Strategy: KeepLocal, Reasons: []string{"local preferred"}}, nil
}

type KeepRemoteResolver struct{}

func (r *KeepRemoteResolver) Resolve(ctx context.Context, c ConflictCase) (Resolution, error) {
	if c.Server.ServerUnknown {
		return unknownServerState(), nil
	}
	return Resolution{Strategy: KeepRemote, Reasons: []string{"remote preferred"}}, nil
}

type ManualReviewResolver struct{ Reason string }

func (r *ManualReviewResolver) Resolve(ctx context.Context, c ConflictCase) (Resolution, error) {
	reasons := []string{"manual review required"}
	if r.Reason != "" {
		reasons = append(reasons, r.Reason)
	}
	return Resolution{Strategy: Manual, Reasons: reasons}, nil
}

// ResolverForStrategy returns the resolver named by a configuration string.
func ResolverForStrategy(strategy string) (ConflictResolver, error) {
	switch ResolutionStrategy(strategy) {
	case LastWriteWins:
		return &LastWriteWinsResolver{}, nil
	case KeepLocal:
		return &KeepLocalResolver{}, nil
	case KeepRemote:
		return &KeepRemoteResolver{}, nil
	case Manual, "":
		return &ManualReviewResolver{}, nil
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
}

// unknownServerState defers a conflict whose server side was not reported.
func unknownServerState() Resolution {
	return Resolution{Strategy: Manual, Reasons: []string{"server state unknown"}}
}
