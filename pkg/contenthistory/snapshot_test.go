package contenthistory

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, data string) *Value {
	t.Helper()
	v, err := ParseSnapshot([]byte(data))
	require.NoError(t, err)
	return v
}

func TestParseSnapshot_PreservesKeyOrder(t *testing.T) {
	v := mustParse(t, `{"zebra":1,"apple":2,"mango":3}`)

	assert.Equal(t, []string{"zebra", "apple", "mango"}, v.Keys())

	out, err := v.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"zebra":1,"apple":2,"mango":3}`, string(out))
}

func TestParseSnapshot_PreservesNumericLiterals(t *testing.T) {
	v := mustParse(t, `{"a":1.0,"b":1,"c":1e2,"d":0.30000000000000004}`)

	a, _ := v.Field("a")
	b, _ := v.Field("b")
	c, _ := v.Field("c")
	d, _ := v.Field("d")
	assert.Equal(t, "1.0", a.NumberLit())
	assert.Equal(t, "1", b.NumberLit())
	assert.Equal(t, "1e2", c.NumberLit())
	assert.Equal(t, "0.30000000000000004", d.NumberLit())

	// distinct literals are distinct values
	assert.False(t, a.Equal(b))

	out, err := v.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1.0,"b":1,"c":1e2,"d":0.30000000000000004}`, string(out))
}

func TestParseSnapshot_RoundTrip(t *testing.T) {
	doc := `{"title":"hello","tags":["a","b"],"meta":{"draft":true,"rating":null},"blocks":[{"id":"b1","text":"one"}]}`
	v := mustParse(t, doc)

	out, err := v.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, doc, string(out))

	again := mustParse(t, string(out))
	assert.True(t, v.Equal(again))
}

func TestParseSnapshot_Errors(t *testing.T) {
	_, err := ParseSnapshot([]byte(`{"a":}`))
	assert.Error(t, err)

	_, err = ParseSnapshot([]byte(`{"a":1} trailing`))
	assert.Error(t, err)
}

func TestParseSnapshot_DepthLimit(t *testing.T) {
	deep := strings.Repeat(`{"a":`, MaxDepth+2) + `1` + strings.Repeat(`}`, MaxDepth+2)

	_, err := ParseSnapshot([]byte(deep))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDepthExceeded)
}

func TestEqual_MapOrderInsensitive(t *testing.T) {
	a := mustParse(t, `{"x":1,"y":2}`)
	b := mustParse(t, `{"y":2,"x":1}`)

	assert.True(t, a.Equal(b))
}

func TestEqual_ListOrderSensitive(t *testing.T) {
	a := mustParse(t, `{"items":[1,2]}`)
	b := mustParse(t, `{"items":[2,1]}`)

	assert.False(t, a.Equal(b))
}

func TestClone_Independent(t *testing.T) {
	a := mustParse(t, `{"meta":{"draft":true},"tags":["x"]}`)
	b := a.Clone()
	require.True(t, a.Equal(b))

	meta, _ := b.Field("meta")
	meta.Set("draft", Bool(false))
	assert.False(t, a.Equal(b))
}

func TestValidate_RootMustBeMap(t *testing.T) {
	schema := DefaultSchema()

	err := schema.Validate(mustParse(t, `[1,2,3]`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSnapshot)

	err = schema.Validate(nil)
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestValidate_RequiredSections(t *testing.T) {
	schema := SnapshotSchema{RequiredSections: []string{"title", "body"}}

	assert.NoError(t, schema.Validate(mustParse(t, `{"title":"x","body":"y"}`)))

	err := schema.Validate(mustParse(t, `{"title":"x"}`))
	require.Error(t, err)

	var invalid *InvalidSnapshotError
	require.True(t, errors.As(err, &invalid))
	require.Len(t, invalid.Violations, 1)
	assert.Equal(t, "body", invalid.Violations[0].Path)
}

func TestValidate_MediaRefs(t *testing.T) {
	schema := DefaultSchema()

	assert.NoError(t, schema.Validate(mustParse(t, `{"hero":{"media_ref":"asset-123"}}`)))

	tests := []struct {
		name string
		doc  string
		path string
	}{
		{"empty ref", `{"hero":{"media_ref":""}}`, "hero.media_ref"},
		{"whitespace ref", `{"hero":{"media_ref":"a b"}}`, "hero.media_ref"},
		{"non-string ref", `{"hero":{"media_ref":42}}`, "hero.media_ref"},
		{"nested in list", `{"gallery":[{"media_ref":""}]}`, "gallery[0].media_ref"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.Validate(mustParse(t, tt.doc))
			require.Error(t, err)

			var invalid *InvalidSnapshotError
			require.True(t, errors.As(err, &invalid))
			assert.Equal(t, tt.path, invalid.Violations[0].Path)
		})
	}
}

func TestValidate_CollectsAllViolations(t *testing.T) {
	schema := SnapshotSchema{
		RequiredSections: []string{"title"},
		MediaRefKeys:     []string{"media_ref"},
	}

	err := schema.Validate(mustParse(t, `{"a":{"media_ref":""},"b":{"media_ref":"x y"}}`))
	require.Error(t, err)

	var invalid *InvalidSnapshotError
	require.True(t, errors.As(err, &invalid))
	assert.Len(t, invalid.Violations, 3)
}

func TestUnmarshalJSON(t *testing.T) {
	var v Value
	require.NoError(t, v.UnmarshalJSON([]byte(`{"title":"hello"}`)))

	title, ok := v.Field("title")
	require.True(t, ok)
	assert.Equal(t, "hello", title.StringVal())
}
