package netio_test

import (
	"net/netip"
	"testing"

	"github.com/dantte-lp/rfc5444d/internal/netio"
)

func TestACLZeroValueAcceptsEverything(t *testing.T) {
	t.Parallel()

	var acl netio.ACL
	if !acl.Permits(netip.MustParseAddr("203.0.113.1")) {
		t.Error("zero-value ACL rejected an address; want default_accept")
	}
}

func TestACLAllowListRejectsUnlisted(t *testing.T) {
	t.Parallel()

	acl := netio.ACL{
		Allow: []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")},
	}

	if !acl.Permits(netip.MustParseAddr("192.0.2.5")) {
		t.Error("address within the allow list was rejected")
	}
	if acl.Permits(netip.MustParseAddr("203.0.113.1")) {
		t.Error("address outside the allow list was permitted")
	}
}

func TestACLDenyTakesPrecedenceOverAllow(t *testing.T) {
	t.Parallel()

	acl := netio.ACL{
		Allow: []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")},
		Deny:  []netip.Prefix{netip.MustParsePrefix("192.0.2.128/25")},
	}

	if !acl.Permits(netip.MustParseAddr("192.0.2.5")) {
		t.Error("address allowed and not denied was rejected")
	}
	if acl.Permits(netip.MustParseAddr("192.0.2.200")) {
		t.Error("address matched by both allow and deny was permitted; deny must win")
	}
}

func TestACLEmptyAllowWithDenyStillDefaultAccepts(t *testing.T) {
	t.Parallel()

	acl := netio.ACL{
		Deny: []netip.Prefix{netip.MustParsePrefix("192.0.2.128/25")},
	}

	if !acl.Permits(netip.MustParseAddr("203.0.113.1")) {
		t.Error("address not matched by a deny-only ACL was rejected; empty Allow means accept all")
	}
	if acl.Permits(netip.MustParseAddr("192.0.2.200")) {
		t.Error("address matched by deny was permitted")
	}
}
