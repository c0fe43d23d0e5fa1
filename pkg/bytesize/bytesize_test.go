package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"1KB", 1024},
		{"1.5 GB", int64(1.5 * float64(GB))},
		{"16M", 16 << 20},
		{"25Gi", 25 << 30},
		{"2TB", 2 << 40},
		{"0", 0},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "-5MB", "10XB", "1.2.3GB"} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "512 B", Format(512))
	assert.Equal(t, "1.00 KB", Format(1024))
	assert.Equal(t, "25.00 GB", Format(25<<30))
}

func TestSizeYAML(t *testing.T) {
	var cfg struct {
		Quota Size `yaml:"quota"`
		Chunk Size `yaml:"chunk"`
	}
	err := yaml.Unmarshal([]byte("quota: \"25GB\"\nchunk: 16777216\n"), &cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(25<<30), cfg.Quota.Bytes())
	assert.Equal(t, int64(16<<20), cfg.Chunk.Bytes())

	err = yaml.Unmarshal([]byte("quota: \"banana\"\n"), &cfg)
	assert.Error(t, err)
}
