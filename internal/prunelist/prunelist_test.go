package prunelist

import (
	"testing"

	"logd/internal/logrecord"
)

func TestParseAllowDenyForms(t *testing.T) {
	l, err := Parse("main: 1000 ~2000 !3000; events: */4000")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if !l.MatchAllow(logrecord.Main, 1000, 1) {
		t.Error("bare 1000 should be allow")
	}
	if !l.MatchAllow(logrecord.Main, 2000, 1) {
		t.Error("~2000 should be allow")
	}
	if !l.MatchDeny(logrecord.Main, 3000, 1) {
		t.Error("!3000 should be deny")
	}
	if !l.MatchAllow(logrecord.Events, 7, 4000) {
		t.Error("*/4000 should allow any uid with pid 4000")
	}
	if l.MatchAllow(logrecord.Events, 7, 4001) {
		t.Error("*/4000 should not match a different pid")
	}
}

func TestParseUnknownPartition(t *testing.T) {
	if _, err := Parse("bogus: 1000"); err == nil {
		t.Fatal("expected error for unknown partition")
	}
}

func TestFormatRoundTrip(t *testing.T) {
	l, err := Parse("main: 1000 !2000")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	out := l.Format()

	l2, err := Parse(out)
	if err != nil {
		t.Fatalf("Parse(Format()): %v", err)
	}
	if !l2.MatchAllow(logrecord.Main, 1000, 1) {
		t.Error("round trip lost allow entry")
	}
	if !l2.MatchDeny(logrecord.Main, 2000, 1) {
		t.Error("round trip lost deny entry")
	}
}

func TestUIDAllowedIgnoresPIDSpecificEntries(t *testing.T) {
	l, err := Parse("main: 1000/5")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if l.UIDAllowed(logrecord.Main, 1000) {
		t.Error("a pid-scoped entry should not protect the uid as a whole")
	}

	l2, err := Parse("main: 1000")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !l2.UIDAllowed(logrecord.Main, 1000) {
		t.Error("a wildcard-pid allow entry should protect the uid as a whole")
	}
}

func TestEmptySpec(t *testing.T) {
	l, err := Parse("   ")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if l.MatchAllow(logrecord.Main, 1, 1) || l.MatchDeny(logrecord.Main, 1, 1) {
		t.Error("empty spec should match nothing")
	}
}
