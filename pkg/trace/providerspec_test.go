package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProviderSpecNameOnly(t *testing.T) {
	cfg, err := ParseProviderSpec("MyProvider")
	require.NoError(t, err)
	assert.Equal(t, "MyProvider", cfg.Name)
	assert.Equal(t, uint64(0xFFFFFFFFFFFFFFFF), cfg.Keywords)
	assert.Equal(t, Verbose, cfg.Level)
}

func TestParseProviderSpecWithKeywordsAndLevel(t *testing.T) {
	cfg, err := ParseProviderSpec("MyProvider:0xff:2")
	require.NoError(t, err)
	assert.Equal(t, "MyProvider", cfg.Name)
	assert.Equal(t, uint64(0xff), cfg.Keywords)
	assert.Equal(t, Error, cfg.Level)
}

func TestParseProviderSpecRejectsBlankName(t *testing.T) {
	_, err := ParseProviderSpec(":0xff:2")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestParseProviderSpecRejectsBadKeywords(t *testing.T) {
	_, err := ParseProviderSpec("P:notHex:2")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestParseProviderSpecRejectsOutOfRangeLevel(t *testing.T) {
	_, err := ParseProviderSpec("P:0xff:99")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestParseProviderSpecRejectsExtraFields(t *testing.T) {
	_, err := ParseProviderSpec("P:0xff:2:extra")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestParseProviderSpecListSkipsBlankEntriesAndFailsWhole(t *testing.T) {
	cfgs, err := ParseProviderSpecList([]string{"P:0x1:1", "", "Q:0x2:2"})
	require.NoError(t, err)
	require.Len(t, cfgs, 2)
	assert.Equal(t, "P", cfgs[0].Name)
	assert.Equal(t, "Q", cfgs[1].Name)

	_, err = ParseProviderSpecList([]string{"P:0x1:1", "bad::100"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
