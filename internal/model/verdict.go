package model

// FilterGrant is the per-filter outcome of a subscribe evaluation, keyed by
// the requested topic filter. QoS is intentionally absent: ACL evaluation does
// not depend on it, so the endpoint echoes the requested QoS (or RejectedQoS)
// when shaping the broker reply.
type FilterGrant struct {
	Filter  string
	Allowed bool
}

// Verdict is the tagged outcome of a decision evaluation: an allow, a deny
// carrying its error kind, or a partial subscribe result. Verdicts are value
// types so they can be memoized by the cache.
type Verdict struct {
	Allow   bool
	Error   ErrorKind
	Filters []FilterGrant

	// MaxConnections is carried by CONNECT verdicts so quota admission can
	// run on cache hits without a second identity lookup.
	MaxConnections int
}

// AllowVerdict is the plain allow outcome.
func AllowVerdict() Verdict {
	return Verdict{Allow: true}
}

// DenyVerdict builds a deny outcome with the given kind.
func DenyVerdict(kind ErrorKind) Verdict {
	return Verdict{Error: kind}
}

// SubscribeVerdict builds a partial subscribe outcome. Allow is set when at
// least one filter was granted, which only controls cache TTL selection — the
// broker reply always lists every per-filter outcome.
func SubscribeVerdict(filters []FilterGrant) Verdict {
	v := Verdict{Filters: filters}
	for _, f := range filters {
		if f.Allowed {
			v.Allow = true
			break
		}
	}
	return v
}

// Grant reports whether the verdict allows the given filter. Used when
// reconstructing a subscribe reply from a cached verdict.
func (v Verdict) Grant(filter string) bool {
	for _, f := range v.Filters {
		if f.Filter == filter {
			return f.Allowed
		}
	}
	return false
}
