package fingerprint

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHasher(t *testing.T) {
	tests := []struct {
		name      string
		algorithm string
		want      string
		wantErr   bool
	}{
		{name: "default is sha256", algorithm: "", want: SHA256},
		{name: "sha256", algorithm: "SHA256", want: SHA256},
		{name: "blake2b", algorithm: "blake2b", want: BLAKE2b},
		{name: "unknown", algorithm: "md5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := NewHasher(tt.algorithm)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, h.Algorithm())
		})
	}
}

func TestHasher_Sum(t *testing.T) {
	h, err := NewHasher(SHA256)
	require.NoError(t, err)

	// sha256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", h.Sum([]byte("abc")))
	assert.Equal(t, h.Sum([]byte("same content")), h.Sum([]byte("same content")))
	assert.NotEqual(t, h.Sum([]byte("a")), h.Sum([]byte("b")))
}

func TestHasher_SumReaderMatchesSum(t *testing.T) {
	for _, algo := range []string{SHA256, BLAKE2b} {
		t.Run(algo, func(t *testing.T) {
			h, err := NewHasher(algo)
			require.NoError(t, err)

			data := bytes.Repeat([]byte("report-page-"), 10000)
			digest, n, err := h.SumReader(bytes.NewReader(data))
			require.NoError(t, err)
			assert.Equal(t, int64(len(data)), n)
			assert.Equal(t, h.Sum(data), digest)
			assert.Len(t, digest, 64)
		})
	}
}
