package dispatcher

import (
	"regexp"
	"testing"
)

func TestEventMask_Wildcard(t *testing.T) {
	m := newWildcardMask("foo.*")
	if !m.match("foo.bar") {
		t.Error("expected foo.* to match foo.bar")
	}
	if m.match("baz.bar") {
		t.Error("expected foo.* not to match baz.bar")
	}
}

func TestEventMask_Regex(t *testing.T) {
	m := newRegexMask(regexp.MustCompile(`^foo\.\d+$`))
	if !m.match("foo.123") {
		t.Error("expected regex mask to match foo.123")
	}
	if m.match("foo.bar") {
		t.Error("expected regex mask not to match foo.bar")
	}
}

func TestConnection_AddRemoveRegexMask(t *testing.T) {
	c := &Connection{subs: &subscriptionSet{}}
	re := regexp.MustCompile(`^sys\.`)

	c.AddRegexMask(re)
	if !c.Subscriptions().matches("sys.started") {
		t.Error("expected sys.started to match installed regex mask")
	}
	if c.Subscriptions().matches("other.event") {
		t.Error("expected other.event not to match")
	}

	c.RemoveRegexMask(re)
	if c.Subscriptions().matches("sys.started") {
		t.Error("expected regex mask to be removed")
	}
}

func TestSubscriptionSet_WildcardSubscribeUnsubscribe(t *testing.T) {
	s := &subscriptionSet{}
	s.subscribe("sys.*", "net.link.*")
	if !s.matches("sys.started") || !s.matches("net.link.up") {
		t.Fatal("expected both wildcards to match")
	}
	if s.matches("other.event") {
		t.Fatal("unexpected match for other.event")
	}

	s.unsubscribe("sys.*")
	if s.matches("sys.started") {
		t.Fatal("expected sys.* to be unsubscribed")
	}
	if !s.matches("net.link.up") {
		t.Fatal("expected net.link.* to remain subscribed")
	}
}
