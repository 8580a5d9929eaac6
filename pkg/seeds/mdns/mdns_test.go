package mdns

import (
    "net"
    "testing"

    "github.com/grandcat/zeroconf"
)

func TestAddrsFormatsBothFamilies(t *testing.T) {
    e := zeroconf.NewServiceEntry("n1", DefaultService, DefaultDomain)
    e.Port = 7946
    e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.5")}
    e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
    got := addrs(e)
    if len(got) != 2 || got[0] != "192.168.1.5:7946" || got[1] != "[fe80::1]:7946" { t.Fatalf("got %v", got) }
}

func TestDefaults(t *testing.T) {
    var o Options
    o.defaults()
    if o.Service != DefaultService || o.Domain != DefaultDomain || o.Window == 0 || o.Clock == nil { t.Fatalf("defaults not applied: %+v", o) }
}
