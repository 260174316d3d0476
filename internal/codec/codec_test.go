package codec

import "testing"

func TestWriterReaderRoundTrip(t *testing.T) {
	w := NewWriter()
	w.PutUint64(42)
	w.PutString("hello")
	w.PutBytes([]byte{1, 2, 3})

	r := NewReader(w.Bytes())
	n, err := r.Uint64()
	if err != nil || n != 42 {
		t.Fatalf("uint64 round trip: %v %d", err, n)
	}
	s, err := r.String()
	if err != nil || s != "hello" {
		t.Fatalf("string round trip: %v %q", err, s)
	}
	b, err := r.Bytes()
	if err != nil || string(b) != "\x01\x02\x03" {
		t.Fatalf("bytes round trip: %v %x", err, b)
	}
	if err := r.Done(); err != nil {
		t.Fatalf("expected no trailing bytes: %v", err)
	}
}

func TestReaderRejectsTrailingBytes(t *testing.T) {
	w := NewWriter()
	w.PutUint64(1)
	r := NewReader(append(w.Bytes(), 0xFF))
	if _, err := r.Uint64(); err != nil {
		t.Fatal(err)
	}
	if err := r.Done(); err == nil {
		t.Fatal("expected MalformedEncoding on trailing bytes")
	}
}

func TestReaderRejectsTruncation(t *testing.T) {
	r := NewReader([]byte{0, 0, 0})
	if _, err := r.Uint64(); err == nil {
		t.Fatal("expected MalformedEncoding on truncated uint64")
	}
}

// TestCIDStability is property 2: re-hashing the same canonical bytes on
// any implementation yields the same CID.
func TestCIDStability(t *testing.T) {
	data := []byte("deterministic payload")
	a := Sum(AlgSHA256, data)
	b := Sum(AlgSHA256, data)
	if a.String() != b.String() {
		t.Fatalf("CID not stable across identical input: %s != %s", a, b)
	}
	if string(a.Bytes()) != string(b.Bytes()) {
		t.Fatal("CID byte encoding differs across identical input")
	}
}

func TestCIDDiffersByAlgorithm(t *testing.T) {
	data := []byte("same bytes")
	sha := Sum(AlgSHA256, data)
	blake := Sum(AlgBLAKE3, data)
	if sha.String() == blake.String() {
		t.Fatal("expected distinct CIDs for distinct hash algorithms")
	}
}

func TestCIDRoundTripString(t *testing.T) {
	c := Sum(AlgSHA256, []byte("x"))
	parsed, err := ParseCID(c.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed.String() != c.String() {
		t.Fatalf("round trip mismatch: %s != %s", parsed, c)
	}
}
