package scheduler

import (
	"time"

	"vpnshop/models"
	"vpnshop/modules"
)

const (
	DefaultGrace     = 5 * 24 * time.Hour
	DefaultTolerance = time.Second
)

type Action int

const (
	NoOp Action = iota
	// Update copies the remote client id and effective expiry onto the key.
	Update
	// DeleteLocal drops a key whose remote client is gone.
	DeleteLocal
	// DeleteBoth reclaims a key that stayed expired past the grace window.
	DeleteBoth
)

func (a Action) String() string {
	switch a {
	case Update:
		return "update"
	case DeleteLocal:
		return "delete_local"
	case DeleteBoth:
		return "delete_both"
	default:
		return "noop"
	}
}

// Resolve decides what one reconciliation pass does with local. The grace
// check runs first, so an expired key is reclaimed even while the panel still
// holds a valid client for it. Past that point the panel is authoritative.
// remote is nil when the panel has no client with the key's email.
func Resolve(now time.Time, local models.Key, remote *modules.RemoteClient, grace, tolerance time.Duration) Action {
	if now.Sub(local.ExpiryDate) > grace {
		return DeleteBoth
	}
	if remote == nil {
		return DeleteLocal
	}
	drift := remote.EffectiveExpiry().Sub(local.ExpiryDate)
	if drift < 0 {
		drift = -drift
	}
	if drift > tolerance {
		return Update
	}
	return NoOp
}
