// Package endpoint implements the host resolver (spec.md §4.2, C2): mapping
// an Endpoint to an ordered list of ServiceEndpoints, consulting a
// process-wide intercept table first. Grounded on
// rediscluster/redisclusterutil/resolve.go (real DNS resolution) and
// original_source/include/qclient/GlobalInterceptor.hh (the intercept API
// shape: addIntercept/clearIntercepts/translate).
package endpoint

import (
	"net"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/exp/slices"

	re "github.com/joomcode/qclient/rediserror"
)

// Endpoint is a logical (host, port) pair, before resolution.
type Endpoint struct {
	Host string
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// Family distinguishes the resolved socket address family.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyIPv4
	FamilyIPv6
)

// SockType distinguishes stream vs datagram sockets; this module only ever
// dials stream sockets, but the field is kept so ServiceEndpoint mirrors
// the full shape spec.md §3 describes.
type SockType int

const (
	SockStream SockType = iota
	SockDatagram
)

// ServiceEndpoint is a fully-resolved endpoint ready to be dialed.
type ServiceEndpoint struct {
	Endpoint
	Family       Family
	Type         SockType
	RawAddr      []byte
	OriginalHost string
}

func (s ServiceEndpoint) String() string {
	return s.Endpoint.String()
}

// Intercept is a process-wide, mutex-protected translation table used for
// testing (spec.md §6 "Endpoint intercepts"). Production code should never
// depend on it, per spec.md §9's design note about the teacher's
// per-client global intercept table being test-only.
type Intercept struct {
	mu    sync.Mutex
	table map[Endpoint]Endpoint
}

// Default is the single process-wide intercept table, mirroring
// GlobalInterceptor's static methods.
var Default = &Intercept{}

// Add registers a translation from -> to. If QClient-equivalent code
// resolves "from" for any reason, it is redirected to "to" instead.
func (i *Intercept) Add(from, to Endpoint) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.table == nil {
		i.table = make(map[Endpoint]Endpoint)
	}
	i.table[from] = to
}

// Clear removes every registered intercept.
func (i *Intercept) Clear() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.table = nil
}

// Translate returns the intercepted endpoint for target, or target itself
// if no intercept is registered.
func (i *Intercept) Translate(target Endpoint) Endpoint {
	i.mu.Lock()
	defer i.mu.Unlock()
	if to, ok := i.table[target]; ok {
		return to
	}
	return target
}

// Entries returns a sorted snapshot of the intercepted (source) endpoints
// in the table, for logging/debugging; the targets are not included.
func (i *Intercept) Entries() []Endpoint {
	i.mu.Lock()
	defer i.mu.Unlock()
	keys := make([]Endpoint, 0, len(i.table))
	for k := range i.table {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b Endpoint) bool {
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		return a.Port < b.Port
	})
	return keys
}

// Resolver maps Endpoints to ordered ServiceEndpoints. The zero value uses
// real DNS resolution; FakeMap, if non-empty, makes the resolver
// answer only from that map (spec.md §4.2's "fake-resolution mode"),
// which is how tests pin a hostname to a specific loopback address without
// touching the intercept table.
type Resolver struct {
	Intercept *Intercept
	FakeMap   map[Endpoint][]ServiceEndpoint
}

// NewResolver returns a Resolver consulting the process-wide Default
// intercept table.
func NewResolver() *Resolver {
	return &Resolver{Intercept: Default}
}

// Resolve maps target through the intercept table, then to a stable-sorted
// list of ServiceEndpoints: IPv4 addresses before IPv6, each family kept in
// the order net.LookupIP returned it.
func (r *Resolver) Resolve(target Endpoint) ([]ServiceEndpoint, error) {
	if r.Intercept != nil {
		target = r.Intercept.Translate(target)
	}

	if len(r.FakeMap) > 0 {
		ses, ok := r.FakeMap[target]
		if !ok {
			return nil, re.ErrNoAddress.New("no fake resolution registered for %s", target)
		}
		return ses, nil
	}

	ips, err := net.LookupIP(target.Host)
	if err != nil {
		return nil, re.ErrDial.Wrap(err, "could not resolve %s", target.Host)
	}
	if len(ips) == 0 {
		return nil, re.ErrNoAddress.New("no addresses found for %s", target.Host)
	}

	out := make([]ServiceEndpoint, 0, len(ips))
	for _, ip := range ips {
		fam := FamilyIPv6
		raw := ip.To16()
		if v4 := ip.To4(); v4 != nil {
			fam = FamilyIPv4
			raw = v4
		}
		out = append(out, ServiceEndpoint{
			Endpoint:     Endpoint{Host: ip.String(), Port: target.Port},
			Family:       fam,
			Type:         SockStream,
			RawAddr:      raw,
			OriginalHost: target.Host,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Family < out[j].Family })
	return out, nil
}
