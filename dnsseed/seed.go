// Package dnsseed implements the DnsSeeder from spec §4.6: periodic
// resolution of configured seed hostnames into Unknown peer records. The
// production Resolver is grounded on discovery.fallBackSRVLookup's direct
// use of github.com/miekg/dns against the system's configured nameservers,
// simplified from an SRV lookup down to the plain A/AAAA lookup the spec
// calls for.
package dnsseed

import (
	"context"
	"net"
	"time"

	"github.com/bsv-blockchain/p2p-core/peer"
	"github.com/bsv-blockchain/p2p-core/peerdb"
	"github.com/miekg/dns"
)

// Resolver resolves a hostname to the set of addresses it currently
// advertises. Tests substitute a stub; production uses SystemResolver.
type Resolver func(hostname string) ([]net.IP, error)

// SystemResolver queries the system's configured nameservers directly via
// miekg/dns for both A and AAAA records, falling back to net.LookupIP if
// /etc/resolv.conf cannot be read or no nameserver answers.
func SystemResolver(hostname string) ([]net.IP, error) {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return net.LookupIP(hostname)
	}

	client := new(dns.Client)
	server := net.JoinHostPort(conf.Servers[0], conf.Port)

	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(hostname), qtype)

		resp, _, err := client.Exchange(msg, server)
		if err != nil || resp == nil || resp.Rcode != dns.RcodeSuccess {
			continue
		}
		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				ips = append(ips, rec.A)
			case *dns.AAAA:
				ips = append(ips, rec.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return net.LookupIP(hostname)
	}
	return ips, nil
}

// Config parameterizes a Seeder.
type Config struct {
	Hostnames   []string
	DefaultPort uint16
	Repo        peerdb.Repository
	Resolve     Resolver

	// Interval between periodic passes after the first. Defaults to one
	// hour per spec §4.6.
	Interval time.Duration
}

// Seeder runs the periodic hostname-to-peer resolution loop.
type Seeder struct {
	cfg Config
}

// New constructs a Seeder. A nil Resolve uses SystemResolver; a zero
// Interval defaults to one hour.
func New(cfg Config) *Seeder {
	if cfg.Resolve == nil {
		cfg.Resolve = SystemResolver
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Seeder{cfg: cfg}
}

// RunOnce resolves every configured hostname and inserts any endpoint not
// already present in the repository as an Unknown peer. Per spec §4.6, an
// endpoint that already exists — banned or otherwise — is left untouched,
// and one hostname's resolution failure does not abort the pass.
func (s *Seeder) RunOnce() {
	for _, host := range s.cfg.Hostnames {
		ips, err := s.cfg.Resolve(host)
		if err != nil {
			log.Warnf("dnsseed: resolve %s failed: %v", host, err)
			continue
		}
		for _, ip := range ips {
			s.insertIfAbsent(ip)
		}
	}
}

func (s *Seeder) insertIfAbsent(ip net.IP) {
	if _, err := s.cfg.Repo.FindByEndpoint(ip, s.cfg.DefaultPort); err == nil {
		return
	}
	p := peer.New(ip, s.cfg.DefaultPort)
	if err := s.cfg.Repo.Create(p); err != nil {
		log.Warnf("dnsseed: could not insert %s: %v", p.Endpoint(), err)
	}
}

// RunPeriodic runs a pass every Interval until ctx is canceled, without an
// initial pass. Split out from Run so a caller that must sequence its own
// explicit first pass (the supervisor, per spec §4.7) doesn't get a
// duplicate one baked in.
func (s *Seeder) RunPeriodic(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// Run performs one pass immediately, then one every Interval, until ctx is
// canceled.
func (s *Seeder) Run(ctx context.Context) {
	s.RunOnce()
	s.RunPeriodic(ctx)
}
