package hostmatch

import "testing"

func TestMatchExact(t *testing.T) {
	m := New(map[string]int{"example.com": RouteTunnel})

	if matched, flags := m.Match("example.com"); !matched || flags != RouteTunnel {
		t.Fatalf("expected exact match, got matched=%v flags=%d", matched, flags)
	}
	if matched, _ := m.Match("sub.example.com"); matched {
		t.Fatalf("exact rule must not match subdomain")
	}
	if matched, _ := m.Match("other.test"); matched {
		t.Fatalf("unrelated host must not match")
	}
}

func TestMatchWildcard(t *testing.T) {
	m := New(map[string]int{"*.example.com": RouteTunnel})

	for _, host := range []string{"example.com", "foo.example.com", "a.b.example.com"} {
		if matched, flags := m.Match(host); !matched || flags != RouteTunnel {
			t.Fatalf("expected wildcard match for %q, got matched=%v flags=%d", host, matched, flags)
		}
	}
	if matched, _ := m.Match("notexample.com"); matched {
		t.Fatalf("wildcard must not match a host that merely ends with the base domain as a substring")
	}
}

func TestMatchCaseInsensitive(t *testing.T) {
	m := New(map[string]int{"Example.COM": RouteTunnel})
	if matched, _ := m.Match("example.com"); !matched {
		t.Fatalf("match should be case-insensitive")
	}
}

func TestMatchSpecificityExactBeatsWildcard(t *testing.T) {
	m := New(map[string]int{
		"*.example.com":    RouteTunnel,
		"direct.example.com": 0,
	})
	if matched, flags := m.Match("direct.example.com"); !matched || flags != 0 {
		t.Fatalf("exact rule should win over wildcard, got matched=%v flags=%d", matched, flags)
	}
	if matched, flags := m.Match("other.example.com"); !matched || flags != RouteTunnel {
		t.Fatalf("wildcard should still apply to other hosts, got matched=%v flags=%d", matched, flags)
	}
}

func TestAddAtRuntime(t *testing.T) {
	m := New(nil)
	if matched, _ := m.Match("late.test"); matched {
		t.Fatalf("empty matcher must not match")
	}
	m.Add("late.test", RouteTunnel)
	if matched, flags := m.Match("late.test"); !matched || flags != RouteTunnel {
		t.Fatalf("rule added at runtime should match, got matched=%v flags=%d", matched, flags)
	}
}

func TestTrailingDotNormalized(t *testing.T) {
	m := New(map[string]int{"example.com": RouteTunnel})
	if matched, _ := m.Match("example.com."); !matched {
		t.Fatalf("trailing root dot should be normalized away")
	}
}
