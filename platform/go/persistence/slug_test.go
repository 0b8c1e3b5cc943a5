package persistence

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeSlug(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "simple", input: "grace", want: "grace"},
		{name: "uppercase folded", input: "Grace-Chapel", want: "grace-chapel"},
		{name: "surrounding space trimmed", input: "  joy  ", want: "joy"},
		{name: "digits allowed", input: "campus2", want: "campus2"},
		{name: "empty rejected", input: "   ", wantErr: true},
		{name: "leading dash rejected", input: "-grace", wantErr: true},
		{name: "trailing dash rejected", input: "grace-", wantErr: true},
		{name: "double dash rejected", input: "grace--chapel", wantErr: true},
		{name: "underscore rejected", input: "grace_chapel", wantErr: true},
		{name: "unicode rejected", input: "grâce", wantErr: true},
		{name: "over dns label length rejected", input: strings.Repeat("a", 64), wantErr: true},
		{name: "max dns label length accepted", input: strings.Repeat("a", 63), want: strings.Repeat("a", 63)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := NormalizeSlug(tc.input)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}
