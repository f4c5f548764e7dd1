package syncer

import (
	"fmt"
	"time"

	"github.com/zulandar/coupler/internal/config"
)

// Winner names the side whose state prevails in a conflict.
type Winner string

const (
	WinnerNone     Winner = ""
	WinnerLocal    Winner = "local"
	WinnerExternal Winner = "external"
)

// Policy resolves a conflict given both sides' modification times.
// WinnerNone leaves the conflict for a human.
type Policy interface {
	Resolve(local, external time.Time) Winner
}

// LatestWriteWins picks the later modification. Equal times go to the
// external side.
type LatestWriteWins struct{}

func (LatestWriteWins) Resolve(local, external time.Time) Winner {
	if local.After(external) {
		return WinnerLocal
	}
	return WinnerExternal
}

// LocalWins always keeps the local state.
type LocalWins struct{}

func (LocalWins) Resolve(time.Time, time.Time) Winner { return WinnerLocal }

// ExternalWins always keeps the external state.
type ExternalWins struct{}

func (ExternalWins) Resolve(time.Time, time.Time) Winner { return WinnerExternal }

// Manual never resolves automatically.
type Manual struct{}

func (Manual) Resolve(time.Time, time.Time) Winner { return WinnerNone }

// PolicyFor returns the policy configured under name. Empty means
// latest-write-wins.
func PolicyFor(name string) (Policy, error) {
	switch name {
	case "", config.PolicyLatestWriteWins:
		return LatestWriteWins{}, nil
	case config.PolicyLocalWins:
		return LocalWins{}, nil
	case config.PolicyExternalWins:
		return ExternalWins{}, nil
	case config.PolicyManual:
		return Manual{}, nil
	default:
		return nil, fmt.Errorf("syncer: unknown conflict policy %q", name)
	}
}
