package rhash

import (
	"errors"
	"testing"

	"github.com/dd0wney/cluso-triplestore/pkg/storage"
)

// TestBCDRoundTrip tests numeric lexicals through the packed codec
func TestBCDRoundTrip(t *testing.T) {
	cases := []string{
		"0",
		"42",
		"-17",
		"3.14159",
		"+1.0e10",
		"-2.5e-3",
		"123456789012345678901234567890", // 30 symbols, the maximum
	}
	for _, in := range cases {
		packed, err := compressBCD(in)
		if err != nil {
			t.Fatalf("compressBCD(%q) failed: %v", in, err)
		}
		if got := uncompressBCD(packed[:]); got != in {
			t.Errorf("BCD round trip of %q = %q", in, got)
		}
	}
}

// TestBCDRejects tests that non-numeric lexicals fail
func TestBCDRejects(t *testing.T) {
	cases := []string{
		"hello",
		"12a34",
		"2024-01-15T10:30:00Z", // dateTime symbols
		"1234567890123456789012345678901", // 31 symbols
	}
	for _, in := range cases {
		if _, err := compressBCD(in); err == nil {
			t.Errorf("compressBCD(%q) succeeded, want failure", in)
		}
	}
}

// TestBCDateRoundTrip tests dateTime lexicals through the packed codec
func TestBCDateRoundTrip(t *testing.T) {
	cases := []string{
		"2024-01-15T10:30:00Z",
		"1970-01-01T00:00:00Z",
		"2024-06-30T23:59:59+01:00",
	}
	for _, in := range cases {
		packed, err := compressBCDate(in)
		if err != nil {
			t.Fatalf("compressBCDate(%q) failed: %v", in, err)
		}
		if got := uncompressBCDate(packed[:]); got != in {
			t.Errorf("BCDate round trip of %q = %q", in, got)
		}
	}
}

// TestBCDateRejects tests that scientific notation fails the date codec
func TestBCDateRejects(t *testing.T) {
	if _, err := compressBCDate("1.5e10"); err == nil {
		t.Error("compressBCDate accepted 'e', want failure")
	}
	if _, err := compressBCDate("2024.5"); err == nil {
		t.Error("compressBCDate accepted '.', want failure")
	}
}

// TestBCDTooLong tests the length bound
func TestBCDTooLong(t *testing.T) {
	in := "1234567890123456789012345678901" // 31 symbols
	if _, err := compressBCD(in); !errors.Is(err, storage.ErrTooLong) {
		t.Errorf("Expected ErrTooLong, got %v", err)
	}
}
