package util

import (
	"bytes"
	"testing"
)

func TestComputeChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
		{"large", make([]byte, 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ComputeChecksum(tt.data) != ComputeChecksum(tt.data) {
				t.Error("Checksum should be deterministic")
			}
			if !ValidateChecksum(tt.data, ComputeChecksum(tt.data)) {
				t.Error("Checksum validation failed")
			}
		})
	}
}

func TestExtendChecksum(t *testing.T) {
	data := []byte("header|payload")
	whole := ComputeChecksum(data)
	split := ExtendChecksum(ComputeChecksum(data[:7]), data[7:])
	if whole != split {
		t.Errorf("Extended checksum mismatch: %d vs %d", whole, split)
	}
}

func TestAppendAndStripChecksum(t *testing.T) {
	data := []byte("block contents")
	framed := AppendChecksum(append([]byte(nil), data...), data)
	if len(framed) != len(data)+ChecksumSize {
		t.Fatalf("Unexpected framed length %d", len(framed))
	}

	recovered, valid := ValidateAndStripChecksum(framed)
	if !valid {
		t.Fatal("Checksum should be valid")
	}
	if !bytes.Equal(recovered, data) {
		t.Errorf("Data mismatch: %q", recovered)
	}
}

func TestCorruptedChecksum(t *testing.T) {
	data := []byte("test data")
	framed := AppendChecksum(append([]byte(nil), data...), data)
	framed[0] ^= 0xFF

	if _, valid := ValidateAndStripChecksum(framed); valid {
		t.Error("Corrupted data should fail validation")
	}
}

func TestTooShortData(t *testing.T) {
	if _, valid := ValidateAndStripChecksum([]byte{0x01, 0x02}); valid {
		t.Error("Data shorter than 4 bytes should fail validation")
	}
}

func BenchmarkComputeChecksum(b *testing.B) {
	data := make([]byte, 4096)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ComputeChecksum(data)
	}
}
