package resolver

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/guild/pkg/guild"
)

type staticLister struct {
	ids []string
	err error
}

func (l staticLister) List(context.Context) ([]*guild.GuildSpec, error) {
	specs := make([]*guild.GuildSpec, len(l.ids))
	for i, id := range l.ids {
		specs[i] = &guild.GuildSpec{ID: id}
	}
	return specs, l.err
}

var lister = staticLister{ids: []string{
	"3f2a9c41-0000-4000-8000-000000000001",
	"3f2a9c77-0000-4000-8000-000000000002",
	"b81d0e55-0000-4000-8000-000000000003",
	"alpha",
}}

func TestResolveGuildID(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr func(error) bool
	}{
		{name: "full id", input: "b81d0e55-0000-4000-8000-000000000003", want: "b81d0e55-0000-4000-8000-000000000003"},
		{name: "unique prefix", input: "b81d0e", want: "b81d0e55-0000-4000-8000-000000000003"},
		{name: "short exact id", input: "alpha", want: "alpha"},
		{name: "ambiguous prefix", input: "3f2a9c", wantErr: IsAmbiguousError},
		{name: "unknown prefix", input: "ffffff", wantErr: IsNotFoundError},
		{name: "short unknown", input: "zz", wantErr: IsNotFoundError},
		{name: "short but matching", input: "3f2a", wantErr: func(err error) bool {
			return err != nil && !IsNotFoundError(err) && !IsAmbiguousError(err)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveGuildID(ctx, lister, tt.input)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, tt.wantErr(err), "unexpected error: %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveGuildID_ListFailure(t *testing.T) {
	_, err := ResolveGuildID(context.Background(), staticLister{err: errors.New("connection refused")}, "abcdef")
	assert.ErrorContains(t, err, "connection refused")
}

func TestAmbiguousError_Describe(t *testing.T) {
	matches := make([]string, 12)
	for i := range matches {
		matches[i] = fmt.Sprintf("id-%02d", i)
	}
	desc := (&AmbiguousError{ShortID: "id-", Matches: matches}).Describe()
	assert.Contains(t, desc, "'id-' matches 12 guilds")
	assert.Contains(t, desc, "id-09")
	assert.NotContains(t, desc, "id-10")
	assert.Contains(t, desc, "...and 2 more")
}
