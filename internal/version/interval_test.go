package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterval_Includes(t *testing.T) {
	bound := MustNew("p", "2.1")
	tests := []struct {
		op   Operator
		v    string
		want bool
	}{
		{OpLess, "2.0", true},
		{OpLess, "2.1", false},
		{OpLessEqual, "2.1", true},
		{OpLessEqual, "2.2", false},
		{OpGreaterEqual, "2.1", true},
		{OpGreaterEqual, "2.0.9", false},
		{OpGreater, "2.1.a", true},
		{OpGreater, "2.1", false},
		{OpEqual, "2.01", true},
		{OpEqual, "2.1.0", false},
		{OpNotEqual, "2.1.0", true},
		{OpNotEqual, "2.1", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.op)+tt.v, func(t *testing.T) {
			iv := Interval{Op: tt.op, Bound: bound}
			got, err := iv.Includes(MustNew("p", tt.v))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInterval_AnyIncludesEverything(t *testing.T) {
	iv, err := Any("p")
	require.NoError(t, err)
	for _, v := range []string{"0", "0.0.a", "1", "999.z"} {
		ok, err := iv.Includes(MustNew("p", v))
		require.NoError(t, err)
		assert.True(t, ok, v)
	}
}

func TestInterval_DifferentName(t *testing.T) {
	iv := AtLeast(MustNew("p", "1"))
	_, err := iv.Includes(MustNew("q", "1"))
	require.ErrorIs(t, err, ErrInvalidComparison)
}

func TestInterval_InvalidOperator(t *testing.T) {
	iv := Interval{Op: "=>", Bound: MustNew("p", "1")}
	_, err := iv.Includes(MustNew("p", "1"))
	require.ErrorIs(t, err, ErrInvalidOperator)
}

func TestParseInterval(t *testing.T) {
	iv, err := ParseInterval("nfs >= 2.1")
	require.NoError(t, err)
	assert.Equal(t, OpGreaterEqual, iv.Op)
	assert.Equal(t, "nfs", iv.Name())
	assert.Equal(t, "2.1", iv.Bound.Version())
	assert.Equal(t, "nfs >= 2.1", iv.String())

	bare, err := ParseInterval("nfs")
	require.NoError(t, err)
	assert.Equal(t, "nfs >= 0", bare.String())

	roundTrip, err := ParseInterval(iv.String())
	require.NoError(t, err)
	assert.True(t, iv.Equal(roundTrip))

	_, err = ParseInterval("nfs >=")
	require.Error(t, err)
	_, err = ParseInterval("nfs ~> 1")
	require.ErrorIs(t, err, ErrInvalidOperator)
}

func TestParseRequirement(t *testing.T) {
	tests := []struct {
		line     string
		kind     RequirementKind
		interval string
		wantErr  bool
	}{
		{"R nfs >= 2.1", Requires, "nfs >= 2.1", false},
		{"C legacy", Conflicts, "legacy >= 0", false},
		{"  R base != 1.0  ", Requires, "base != 1.0", false},
		{"X nfs", 0, "", true},
		{"R", 0, "", true},
		{"RR nfs", 0, "", true},
		{"R nfs 1.0", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			req, err := ParseRequirement(tt.line)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, req.Kind)
			assert.Equal(t, tt.interval, req.Interval.String())
		})
	}
}

func TestRequirement_String(t *testing.T) {
	req, err := ParseRequirement("C legacy < 3")
	require.NoError(t, err)
	assert.Equal(t, "C legacy < 3", req.String())
	assert.Equal(t, "conflicts", req.Kind.String())
}
