package tokensvc

import (
	"time"

	"github.com/authgw/authgw/gwerrors"
)

// MinimumLifetimeFloor prevents redirect loops around login: a derived
// token is never issued with less than this much room between the
// requested minimum lifetime and the parent's actual expiry (spec.md
// §4.1).
const MinimumLifetimeFloor = 5 * time.Minute

// childExpiry computes child.expires = min(parent.expires, now+lifetime),
// spec.md §4.1. A nil parentExpires (a token with no expiry) imposes no
// cap.
func childExpiry(now time.Time, parentExpires *time.Time, lifetime time.Duration) time.Time {
	candidate := now.Add(lifetime)
	if parentExpires != nil && parentExpires.Before(candidate) {
		return *parentExpires
	}
	return candidate
}

// checkMinLifetimeSatisfiable enforces spec.md §4.1: a derived token with a
// requested minimum remaining lifetime cannot be minted if the parent does
// not have min_lifetime + MinimumLifetimeFloor left.
func checkMinLifetimeSatisfiable(now time.Time, parentExpires *time.Time, minLifetime time.Duration) error {
	if minLifetime <= 0 || parentExpires == nil {
		return nil
	}
	remaining := parentExpires.Sub(now)
	if remaining < minLifetime+MinimumLifetimeFloor {
		return gwerrors.New(gwerrors.KindLifetimeNotSatisfiable,
			"remaining parent token lifetime is too short to satisfy the requested minimum lifetime")
	}
	return nil
}
