package scheduler

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/vt888Vip/stock-version-2-sub000/pkg/db"
)

// sessionIDLayout formats a UTC minute boundary as YYYYMMDDHHmm.
const sessionIDLayout = "200601021504"

// DeriveSessionID maps an instant to its session id: the UTC minute
// boundary the instant falls in, formatted YYYYMMDDHHmm. All rounding
// lives here; callers never format ids themselves.
func DeriveSessionID(t time.Time) string {
	return t.UTC().Truncate(time.Minute).Format(sessionIDLayout)
}

// MinuteBoundary returns the UTC minute boundary containing t.
func MinuteBoundary(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// ParseSessionID recovers the start instant from a session id.
func ParseSessionID(id string) (time.Time, error) {
	t, err := time.ParseInLocation(sessionIDLayout, id, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse session id %q: %w", id, err)
	}
	return t, nil
}

// randomResult picks the session outcome with a fair coin.
func randomResult() string {
	n, err := rand.Int(rand.Reader, big.NewInt(2))
	if err != nil || n.Int64() == 0 {
		return db.DirectionUp
	}
	return db.DirectionDown
}
