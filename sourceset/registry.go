// Package sourceset implements the source registry of spec.md §4.4: an
// open-addressed hash table of remote time sources, a single-flight DNS
// resolution queue for sources still named by hostname, and pool
// membership tracking that replaces unreachable pool members with
// freshly resolved addresses.
package sourceset

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/timewarden/timewardend/rawclock"
	"github.com/timewarden/timewardend/refclock"
	"github.com/timewarden/timewardend/scheduler"
)

// State is a source's reachability/selection status, per spec.md §4.4.
type State int

const (
	// StateTentative is assigned to a freshly resolved or freshly
	// reachable-again source until it has produced enough accepted
	// samples to be trusted for selection.
	StateTentative State = iota
	StateSelectable
	StateUnreachable
)

func (s State) String() string {
	switch s {
	case StateTentative:
		return "tentative"
	case StateSelectable:
		return "selectable"
	case StateUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// tentativeSampleThreshold is how many accepted samples a tentative
// source needs before it's promoted to selectable (spec.md §4.4).
const tentativeSampleThreshold = 3

// unreachableReapAfter is how long an unreachable source is kept around
// before it's dropped from the table entirely, unless it's a pool
// member (pool members are replaced, not just reaped).
const unreachableReapAfter = 1 * time.Hour

// reapClass groups the periodic unreachable-source sweep so it jitters
// like every other recurring scheduler activity (spec.md §4.1).
const reapClass scheduler.TimeoutClass = "source-reap"

// UnitConfig declares one directly configured remote source (spec.md
// §6's `server`/`peer` directive).
type UnitConfig struct {
	Name     string        `json:"name"`
	Port     uint16        `json:"port,omitempty"`
	MinPoll  time.Duration `json:"min_poll,omitempty"`
	MaxPoll  time.Duration `json:"max_poll,omitempty"`
	Iburst   bool          `json:"iburst,omitempty"`
	Prefer   bool          `json:"prefer,omitempty"`
	NoSelect bool          `json:"noselect,omitempty"`
	AuthKeyID uint32       `json:"auth_key_id,omitempty"`

	pool string // set internally when this config came from a pool expansion
}

// PoolConfig declares a named pool of sources resolved from one DNS
// name that may return multiple addresses (spec.md §6's `pool`
// directive).
type PoolConfig struct {
	Name       string        `json:"name"`
	MaxSources int           `json:"max_sources,omitempty"`
	Port       uint16        `json:"port,omitempty"`
	MinPoll    time.Duration `json:"min_poll,omitempty"`
	MaxPoll    time.Duration `json:"max_poll,omitempty"`
	AuthKeyID  uint32        `json:"auth_key_id,omitempty"`
}

// Unit is one remote source tracked in the registry, keyed by its
// resolved IP address.
type Unit struct {
	Name  string
	Addr  net.IP
	cfg   UnitConfig
	state State

	filter *refclock.MedianFilter

	acceptedSamples int
	lastSample      rawclock.Instant
}

func (u *Unit) State() State { return u.state }

// poolState tracks one configured pool's membership so unreachable
// members can be replaced with freshly resolved addresses.
type poolState struct {
	cfg     PoolConfig
	members []net.IP
}

// Registry is the source registry of spec.md §4.4.
type Registry struct {
	mu    sync.Mutex
	table *hashTable
	pools map[string]*poolState

	resolveQueue chan string
	pendingNames map[string]UnitConfig

	sched *scheduler.Scheduler
	log   *zap.Logger

	dnsClient  *dns.Client
	dnsServers []string

	subs []func(*Unit, refclock.Sample)
}

// resolveQueueDepth bounds how many hostnames may be queued for
// resolution at once; spec.md §4.4 requires exactly one resolution in
// flight, so this is purely a backlog cap, not a concurrency limit.
const resolveQueueDepth = 256

// NewRegistry builds an empty Registry backed by sched, and starts its
// single-flight DNS resolution goroutine.
func NewRegistry(sched *scheduler.Scheduler) *Registry {
	servers, _ := systemResolvers()
	r := &Registry{
		table:        newHashTable(),
		pools:        make(map[string]*poolState),
		resolveQueue: make(chan string, resolveQueueDepth),
		pendingNames: make(map[string]UnitConfig),
		sched:        sched,
		log:          zap.NewNop(),
		dnsClient:    &dns.Client{Timeout: 5 * time.Second},
		dnsServers:   servers,
	}
	go r.resolveLoop()
	r.scheduleReap()
	return r
}

// systemResolvers reads /etc/resolv.conf the way every other
// resolv.conf-respecting Unix tool does, via miekg/dns's config parser.
func systemResolvers() ([]string, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}
	var servers []string
	for _, s := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(s, cfg.Port))
	}
	return servers, nil
}

// SetLogger attaches a logger for resolution and reachability
// diagnostics.
func (r *Registry) SetLogger(l *zap.Logger) { r.log = l }

// Subscribe registers fn to be called with every sample accepted into
// a source's filter and promoted out of it (spec.md §4.4's contract
// with the selection/combining algorithm that spec.md's Non-goals keep
// out of this package's scope — fn is that algorithm's entry point).
func (r *Registry) Subscribe(fn func(*Unit, refclock.Sample)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

// AddUnresolved registers a source by hostname, queuing it for
// asynchronous DNS resolution if it isn't already a literal IP
// address.
func (r *Registry) AddUnresolved(cfg UnitConfig) error {
	if ip := net.ParseIP(cfg.Name); ip != nil {
		r.addResolved(cfg, ip)
		return nil
	}
	r.mu.Lock()
	r.pendingNames[cfg.Name] = cfg
	r.mu.Unlock()

	select {
	case r.resolveQueue <- cfg.Name:
		return nil
	default:
		return fmt.Errorf("sourceset: resolution queue full, dropping %q", cfg.Name)
	}
}

// AddPool registers a pool; its member addresses are populated
// asynchronously via the same DNS resolution path.
func (r *Registry) AddPool(cfg PoolConfig) {
	r.mu.Lock()
	r.pools[cfg.Name] = &poolState{cfg: cfg}
	r.mu.Unlock()

	select {
	case r.resolveQueue <- "pool:" + cfg.Name:
	default:
		r.log.Warn("resolution queue full, dropping pool", zap.String("pool", cfg.Name))
	}
}

func (r *Registry) addResolved(cfg UnitConfig, ip net.IP) *Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.table.find(ip); ok {
		return existing
	}
	u := &Unit{
		Name:   cfg.Name,
		Addr:   ip,
		cfg:    cfg,
		state:  StateTentative,
		filter: refclock.NewMedianFilter(8, 0),
	}
	r.table.insert(ip, u)
	return u
}

// resolveLoop is the single-flight DNS worker: exactly one resolution
// in progress at a time, draining the queue strictly in FIFO order, per
// spec.md §4.4.
func (r *Registry) resolveLoop() {
	for name := range r.resolveQueue {
		if poolName, ok := stripPoolPrefix(name); ok {
			r.resolvePool(poolName)
			continue
		}
		r.resolveOne(name)
	}
}

func stripPoolPrefix(name string) (string, bool) {
	const prefix = "pool:"
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		return name[len(prefix):], true
	}
	return "", false
}

func (r *Registry) resolveOne(name string) {
	r.mu.Lock()
	cfg, ok := r.pendingNames[name]
	delete(r.pendingNames, name)
	r.mu.Unlock()
	if !ok {
		return
	}

	ips, err := r.lookupHost(name)
	if err != nil || len(ips) == 0 {
		r.log.Warn("DNS resolution failed", zap.String("name", name), zap.Error(err))
		return
	}
	r.addResolved(cfg, ips[0])
}

func (r *Registry) resolvePool(poolName string) {
	r.mu.Lock()
	ps, ok := r.pools[poolName]
	r.mu.Unlock()
	if !ok {
		return
	}

	ips, err := r.lookupHost(ps.cfg.Name)
	if err != nil {
		r.log.Warn("pool DNS resolution failed", zap.String("pool", poolName), zap.Error(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ip := range ips {
		if len(ps.members) >= ps.cfg.MaxSources {
			break
		}
		if containsIP(ps.members, ip) {
			continue
		}
		cfg := UnitConfig{
			Name:      ps.cfg.Name,
			Port:      ps.cfg.Port,
			MinPoll:   ps.cfg.MinPoll,
			MaxPoll:   ps.cfg.MaxPoll,
			AuthKeyID: ps.cfg.AuthKeyID,
			pool:      poolName,
		}
		u := &Unit{
			Name:   ps.cfg.Name,
			Addr:   ip,
			cfg:    cfg,
			state:  StateTentative,
			filter: refclock.NewMedianFilter(8, 0),
		}
		r.table.insert(ip, u)
		ps.members = append(ps.members, ip)
	}
}

func containsIP(ips []net.IP, ip net.IP) bool {
	for _, x := range ips {
		if x.Equal(ip) {
			return true
		}
	}
	return false
}

// lookupHost queries the system resolvers directly through
// golang.org/x/... no — through miekg/dns, since spec.md's DNS
// resolution step is an explicit in-scope module rather than something
// to defer to net.LookupHost's cgo/libc resolver path.
func (r *Registry) lookupHost(name string) ([]net.IP, error) {
	if len(r.dnsServers) == 0 {
		return nil, fmt.Errorf("sourceset: no DNS servers configured")
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)

	var lastErr error
	for _, server := range r.dnsServers {
		resp, _, err := r.dnsClient.ExchangeContext(context.Background(), msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		var ips []net.IP
		for _, ans := range resp.Answer {
			if a, ok := ans.(*dns.A); ok {
				ips = append(ips, a.A)
			}
		}
		if len(ips) > 0 {
			return ips, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("sourceset: no A records for %q", name)
}

// refclockBaseIP is the synthetic IPv4 address space reserved for
// reference clocks registered into this registry, the same 127.127.x.x
// convention chrony's own refclock pseudo-addresses use
// (original_source/refclock.c), so a refclock flows through the exact
// same hash table, filter-promotion, and subscriber fan-out a remote
// source does instead of needing a parallel code path.
var refclockBaseIP = net.IPv4(127, 127, 0, 0).To4()

// RegisterRefclock adopts a provisioned reference-clock instance as a
// source keyed by a synthetic 127.127.0.<unit> address, and wires its
// filtered samples into Receive so refclocks are selected and reported
// alongside remote sources (spec.md §4.3's "exactly like a remote
// source" contract).
func (r *Registry) RegisterRefclock(name string, unit byte, inst *refclock.Instance) net.IP {
	addr := make(net.IP, len(refclockBaseIP))
	copy(addr, refclockBaseIP)
	addr[3] = unit

	u := r.addResolved(UnitConfig{Name: name}, addr)
	inst.Subscribe(func(s refclock.Sample) { r.Receive(addr, s) })
	return u.Addr
}

// Receive feeds one sample from a source's transport layer (the NTP
// client packet exchange — out of this package's scope per spec.md's
// Non-goals, which name the registry's job as bookkeeping and
// selection-feed, not transport) into the owning Unit's median filter,
// promoting tentative sources once they accumulate enough accepted
// samples.
func (r *Registry) Receive(addr net.IP, sample refclock.Sample) {
	r.mu.Lock()
	u, ok := r.table.find(addr)
	if !ok {
		r.mu.Unlock()
		return
	}
	u.filter.Add(sample.Instant, sample.Offset, sample.Dispersion)
	u.lastSample = sample.Instant

	result, emitted := u.filter.Emit()
	if emitted {
		u.acceptedSamples++
		if u.state == StateTentative && u.acceptedSamples >= tentativeSampleThreshold {
			u.state = StateSelectable
		} else if u.state == StateUnreachable {
			u.state = StateTentative
			u.acceptedSamples = 1
		}
	}
	subs := append([]func(*Unit, refclock.Sample)(nil), r.subs...)
	r.mu.Unlock()

	if !emitted {
		return
	}
	out := refclock.Sample{Instant: sample.Instant, Offset: result.Offset, Dispersion: result.Dispersion}
	for _, fn := range subs {
		fn(u, out)
	}
}

// MarkUnreachable flags a source unreachable, e.g. after repeated
// transport timeouts (spec.md §4.4).
func (r *Registry) MarkUnreachable(addr net.IP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.table.find(addr); ok {
		u.state = StateUnreachable
	}
}

// Units returns a snapshot of every currently tracked source.
func (r *Registry) Units() []*Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table.all()
}

func (r *Registry) scheduleReap() {
	r.sched.AddTimeoutInClass(unreachableReapAfter, unreachableReapAfter/4, 0.1, reapClass, func(now rawclock.Instant, _ any) {
		r.reapUnreachable(now)
		r.scheduleReap()
	}, nil)
}

// reapUnreachable drops long-unreachable non-pool sources outright, and
// replaces long-unreachable pool members with a fresh resolution, per
// spec.md §4.4's pool-replacement rule.
func (r *Registry) reapUnreachable(now rawclock.Instant) {
	r.mu.Lock()
	var toReplace []string
	for _, u := range r.table.all() {
		if u.state != StateUnreachable {
			continue
		}
		if now.Sub(u.lastSample) < unreachableReapAfter.Seconds() {
			continue
		}
		if u.cfg.pool != "" {
			toReplace = append(toReplace, u.cfg.pool)
		}
		r.table.delete(u.Addr)
		if ps, ok := r.pools[u.cfg.pool]; ok {
			ps.members = removeIP(ps.members, u.Addr)
		}
	}
	r.mu.Unlock()

	for _, poolName := range toReplace {
		select {
		case r.resolveQueue <- "pool:" + poolName:
		default:
		}
	}
}

func removeIP(ips []net.IP, target net.IP) []net.IP {
	out := ips[:0]
	for _, ip := range ips {
		if !ip.Equal(target) {
			out = append(out, ip)
		}
	}
	return out
}
