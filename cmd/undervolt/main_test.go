package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/undervolt-agent/agent/internal/gpu"
)

func TestParseGPUList(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    []int
		wantErr bool
	}{
		{name: "empty selects all", value: "", want: nil},
		{name: "single", value: "2", want: []int{2}},
		{name: "sorted and deduplicated", value: "3,1,1,0", want: []int{0, 1, 3}},
		{name: "whitespace tolerated", value: " 0 , 2 ", want: []int{0, 2}},
		{name: "non numeric", value: "0,x", wantErr: true},
		{name: "negative", value: "-1", wantErr: true},
		{name: "trailing comma", value: "0,", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseGPUList(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestSelectRecords(t *testing.T) {
	records := []*gpu.Record{{Index: 0}, {Index: 1}, {Index: 2}}

	selected, err := selectRecords(records, nil)
	require.NoError(t, err)
	require.Equal(t, records, selected)

	selected, err = selectRecords(records, []int{0, 2})
	require.NoError(t, err)
	require.Len(t, selected, 2)
	require.Equal(t, 0, selected[0].Index)
	require.Equal(t, 2, selected[1].Index)

	_, err = selectRecords(records, []int{3})
	require.Error(t, err)
}
