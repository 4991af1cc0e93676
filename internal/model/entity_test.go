package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEntityRef(t *testing.T) {
	t.Parallel()

	ref, err := ParseEntityRef("project:42")
	require.NoError(t, err)
	assert.Equal(t, EntityRef{Kind: KindProject, ID: 42}, ref)
	assert.Equal(t, "project:42", ref.String())

	ref, err = ParseEntityRef(" Invoice:7 ")
	require.NoError(t, err)
	assert.Equal(t, KindInvoice, ref.Kind)
}

func TestParseEntityRef_Invalid(t *testing.T) {
	t.Parallel()

	tests := []string{"", "project", "project:abc", "warehouse:1", "project:0", "project:-3"}
	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			_, err := ParseEntityRef(in)
			assert.Error(t, err)
		})
	}
}

func TestFieldKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "contract:9/status", FieldKey(EntityRef{Kind: KindContract, ID: 9}, "status"))
}

func TestParseSourceKind(t *testing.T) {
	t.Parallel()

	for _, k := range SourceKinds {
		got, err := ParseSourceKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	_, err := ParseSourceKind("carrier_pigeon")
	assert.Error(t, err)
}
