package reconcile

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/yuriy-kovalchuk/portal-ddns/internal/dns"
)

// Actions taken for one record type in a cycle.
const (
	actionNone    = "none"
	actionCached  = "cached"
	actionCreated = "created"
	actionUpdated = "updated"
	actionFailed  = "failed"
)

// familyResult is what one cycle saw and did for one record type.
type familyResult struct {
	Type     dns.RecordType
	Desired  netip.Addr
	Observed netip.Addr
	Action   string
	Err      error

	record *dns.DomainRecord
	drift  bool
}

// cycleSummary collects the per-type results of a cycle for logging.
type cycleSummary struct {
	ID       string
	Domain   string
	Observe  string
	Families []*familyResult
}

// formatCycle returns a human-readable representation of a cycle summary.
func formatCycle(s *cycleSummary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Cycle %s %s (observe=%s)\n", s.ID, s.Domain, s.Observe)
	for _, f := range s.Families {
		fmt.Fprintf(&b, "  %-5s desired=%s observed=%s action=%s", string(f.Type)+":", addrOrDash(f.Desired), addrOrDash(f.Observed), f.Action)
		if f.Err != nil {
			fmt.Fprintf(&b, " error=%q", f.Err.Error())
		}
		fmt.Fprintln(&b)
	}
	return b.String()
}

func addrOrDash(a netip.Addr) string {
	if !a.IsValid() {
		return "-"
	}
	return a.String()
}
