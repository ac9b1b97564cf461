package caldate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Formats(t *testing.T) {
	want := New(2024, time.March, 15)
	for _, in := range []string{
		"2024-03-15",
		"03/15/2024",
		"3/15/2024",
		"03-15-2024",
		"2024/03/15",
		"20240315",
		"Mar 15, 2024",
		"March 15, 2024",
	} {
		t.Run(in, func(t *testing.T) {
			got, err := Parse(in)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	blank, err := Parse("  ")
	require.NoError(t, err)
	assert.True(t, blank.IsZero())

	_, err = Parse("15.03.2024")
	assert.Error(t, err)
}

func TestNew_Normalizes(t *testing.T) {
	assert.Equal(t, "2024-03-01", New(2024, time.February, 30).String())
}

func TestOf_UsesOwnLocation(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	late := time.Date(2024, 3, 15, 22, 0, 0, 0, est)
	assert.Equal(t, "2024-03-15", Of(late).String())
}

func TestArithmetic(t *testing.T) {
	d := MustParse("2024-02-28")
	assert.Equal(t, "2024-02-29", d.AddDays(1).String())
	assert.Equal(t, "2024-03-01", d.AddDays(2).String())
	assert.Equal(t, 2, MustParse("2024-03-01").DaysSince(d))
	assert.Equal(t, -2, d.DaysSince(MustParse("2024-03-01")))
	assert.Equal(t, 365, MustParse("2025-01-01").DaysSince(MustParse("2024-01-02")))

	assert.True(t, d.Before(d.AddDays(1)))
	assert.True(t, d.AddDays(1).After(d))
	assert.True(t, d.Equal(MustParse("02/28/2024")))
}

func TestText(t *testing.T) {
	assert.Equal(t, "", Date{}.String())

	b, err := json.Marshal(struct {
		D Date `json:"d"`
	}{MustParse("2024-01-05")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"d":"2024-01-05"}`, string(b))

	var in struct {
		D Date `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"d":"01/05/2024"}`), &in))
	assert.Equal(t, MustParse("2024-01-05"), in.D)
	assert.Error(t, json.Unmarshal([]byte(`{"d":"soon"}`), &in))
}

func TestSQL(t *testing.T) {
	v, err := Date{}.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = MustParse("2024-01-05").Value()
	require.NoError(t, err)
	assert.Equal(t, "2024-01-05", v)

	var d Date
	require.NoError(t, d.Scan(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2024-06-01", d.String())
	require.NoError(t, d.Scan("2024-06-02"))
	assert.Equal(t, "2024-06-02", d.String())
	require.NoError(t, d.Scan(nil))
	assert.True(t, d.IsZero())
	assert.Error(t, d.Scan(42))
}
