// Package verdict memoizes decision outcomes keyed by a request fingerprint.
//
// The cache amortizes the bcrypt cost on CONNECT and the identity/ACL lookups
// on PUBLISH/SUBSCRIBE. Entries expire by wall clock, capacity eviction is
// LRU, and concurrent identical requests are collapsed to a single evaluation
// via singleflight.
package verdict

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// fpSep is the unit separator joining fingerprint fields before hashing.
const fpSep = "\x1f"

// ConnectFingerprint derives the CONNECT cache key. The plaintext password is
// pre-hashed into the key so the cache never holds it, and the fingerprint of
// a wrong password never collides with the right one.
func ConnectFingerprint(username, clientID, password string) string {
	pw := sha256.Sum256([]byte(password))
	return digest("connect", username, clientID, hex.EncodeToString(pw[:]))
}

// PublishFingerprint derives the PUBLISH cache key.
func PublishFingerprint(username, topic string, qos int) string {
	return digest("publish", username, topic, strconv.Itoa(qos))
}

// SubscribeFingerprint derives the SUBSCRIBE cache key. Filters are sorted so
// permutations of the same filter set share an entry; QoS is excluded because
// ACL evaluation does not depend on it.
func SubscribeFingerprint(username string, filters []string) string {
	sorted := append([]string(nil), filters...)
	sort.Strings(sorted)
	return digest("subscribe", username, strings.Join(sorted, fpSep))
}

func digest(fields ...string) string {
	h := sha256.Sum256([]byte(strings.Join(fields, fpSep)))
	return hex.EncodeToString(h[:])
}
