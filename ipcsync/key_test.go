package ipcsync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveKeyIsDeterministic(t *testing.T) {
	a := DeriveKey("payments-db", 5)
	b := DeriveKey("payments-db", 5)
	require.Equal(t, a, b)
}

func TestDeriveKeyVariesByName(t *testing.T) {
	require.NotEqual(t, DeriveKey("payments-db", 5), DeriveKey("search-db", 5))
}

func TestDeriveKeyVariesByCardinality(t *testing.T) {
	require.NotEqual(t, DeriveKey("payments-db", 4), DeriveKey("payments-db", 5))
}

func TestDeriveAuxiliaryKeyDiffersFromPrimary(t *testing.T) {
	primary := DeriveKey("payments-db", 5)
	aux := DeriveAuxiliaryKey("payments-db", "_window", 5)
	require.NotEqual(t, primary, aux)
}

func TestDeriveAuxiliaryKeyIsDeterministic(t *testing.T) {
	a := DeriveAuxiliaryKey("payments-db", "_pid", 5)
	b := DeriveAuxiliaryKey("payments-db", "_pid", 5)
	require.Equal(t, a, b)
}
