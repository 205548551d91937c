package logrecord

import (
	"errors"
	"testing"
)

func TestPartitionString(t *testing.T) {
	cases := []struct {
		p    Partition
		want string
	}{
		{Main, "main"},
		{Kernel, "kernel"},
		{Partition(99), "partition(99)"},
	}
	for _, c := range cases {
		if got := c.p.String(); got != c.want {
			t.Errorf("Partition(%d).String() = %q, want %q", c.p, got, c.want)
		}
	}
}

func TestParsePartition(t *testing.T) {
	p, ok := ParsePartition("events")
	if !ok || p != Events {
		t.Fatalf("ParsePartition(events) = %v, %v", p, ok)
	}
	if _, ok := ParsePartition("bogus"); ok {
		t.Fatalf("ParsePartition(bogus) should fail")
	}
}

func TestBinary(t *testing.T) {
	if !Events.Binary() {
		t.Error("Events should be binary")
	}
	if Main.Binary() {
		t.Error("Main should not be binary")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(Partition(200), []byte("x")); !errors.Is(err, ErrUnknownPartition) {
		t.Errorf("want ErrUnknownPartition, got %v", err)
	}
	if err := Validate(Main, nil); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("want ErrEmptyPayload, got %v", err)
	}
	if err := Validate(Main, make([]byte, MaxPayloadLen+1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("want ErrPayloadTooLarge, got %v", err)
	}
	if err := Validate(Main, []byte("hello")); err != nil {
		t.Errorf("want nil, got %v", err)
	}
}

func TestRecordBytes(t *testing.T) {
	r := Record{Payload: make([]byte, 10)}
	if got, want := r.Bytes(), 10+egressHeaderSize; got != want {
		t.Errorf("Bytes() = %d, want %d", got, want)
	}
}
