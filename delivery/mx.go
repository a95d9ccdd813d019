package delivery

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strings"
)

// ResolveMX returns the delivery targets for a domain: MX hosts sorted by
// preference, hosts within the same preference shuffled for load spreading.
// A domain with no MX records falls back to its own A/AAAA record, per the
// implicit MX rule.
func ResolveMX(ctx context.Context, domain string) ([]string, error) {
	mxs, err := net.DefaultResolver.LookupMX(ctx, domain)
	if err != nil || len(mxs) == 0 {
		// Implicit MX: try the domain itself.
		addrs, aErr := net.DefaultResolver.LookupHost(ctx, domain)
		if aErr != nil || len(addrs) == 0 {
			if err == nil {
				err = aErr
			}
			return nil, noHostsError(domain, err)
		}
		return []string{domain}, nil
	}

	hosts := orderMXHosts(mxs)
	if len(hosts) == 0 {
		return nil, nullMXError(domain)
	}
	return hosts, nil
}

// nullMXError classifies a null MX domain (RFC 7505, "MX 0 .") as a
// permanent failure: the domain has declared it accepts no mail, so
// recipients bounce instead of retrying until the queue ages out.
func nullMXError(domain string) error {
	return &RelayError{
		Permanent: true,
		Err:       fmt.Errorf("domain %s does not accept mail (null MX)", domain),
	}
}

func noHostsError(domain string, lookupErr error) error {
	if lookupErr == nil {
		return fmt.Errorf("no mail hosts for %s", domain)
	}
	return fmt.Errorf("no mail hosts for %s: %w", domain, lookupErr)
}

// orderMXHosts sorts MX records ascending by preference and shuffles hosts
// within each preference group.
func orderMXHosts(mxs []*net.MX) []string {
	sorted := make([]*net.MX, len(mxs))
	copy(sorted, mxs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Pref < sorted[j].Pref
	})

	for start := 0; start < len(sorted); {
		end := start + 1
		for end < len(sorted) && sorted[end].Pref == sorted[start].Pref {
			end++
		}
		group := sorted[start:end]
		rand.Shuffle(len(group), func(i, j int) {
			group[i], group[j] = group[j], group[i]
		})
		start = end
	}

	hosts := make([]string, 0, len(sorted))
	for _, mx := range sorted {
		host := strings.TrimSuffix(mx.Host, ".")
		if host == "" {
			continue
		}
		hosts = append(hosts, host)
	}
	return hosts
}
