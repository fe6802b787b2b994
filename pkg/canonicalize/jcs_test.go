package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSSortsKeys(t *testing.T) {
	out, err := JCSBytes([]byte(`{"b":1,"a":2}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1}`, string(out))
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]string{"q": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"a<b>&c"}`, string(out))
}

func TestJCSStructTagsApply(t *testing.T) {
	type doc struct {
		Zed   string `json:"zed"`
		Alpha int    `json:"alpha"`
	}
	out, err := JCS(doc{Zed: "z", Alpha: 1})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":1,"zed":"z"}`, string(out))
}

func TestCanonicalHashStable(t *testing.T) {
	a := map[string]any{"x": 1, "y": []string{"p", "q"}}
	b := map[string]any{"y": []string{"p", "q"}, "x": 1}

	ha, err := CanonicalHash(a)
	require.NoError(t, err)
	hb, err := CanonicalHash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestCanonicalHashDiffers(t *testing.T) {
	ha, err := CanonicalHash(map[string]any{"x": 1})
	require.NoError(t, err)
	hb, err := CanonicalHash(map[string]any{"x": 2})
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}
