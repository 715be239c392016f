package library

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	out := `  Storage Changer /dev/sg2:2 Drives, 16 Slots ( 0 Import/Export )
Data Transfer Element 0:Empty
Storage Element 1:Full :VolumeTag=AAK123L9
Storage Element 2:Empty
Storage Element 3:Full :VolumeTag=AAK124L9
`
	slots, err := parseStatus(out)
	require.NoError(t, err)
	assert.Equal(t, Empty, slots[0].Status)
	assert.Equal(t, KindDrive, slots[0].Kind)
	assert.Equal(t, "AAK123L9", slots[1].VolumeTag)
	assert.Equal(t, Full, slots[1].Status)
	assert.Equal(t, Empty, slots[2].Status)
	assert.Equal(t, "AAK124L9", slots[3].VolumeTag)
}

func TestParseStatusDriveLoaded(t *testing.T) {
	out := `Data Transfer Element 0:Full (Storage Element 3 Loaded):VolumeTag = AAK125L9
Storage Element 1:Empty
`
	slots, err := parseStatus(out)
	require.NoError(t, err)
	assert.Equal(t, Full, slots[0].Status)
	assert.Equal(t, "AAK125L9", slots[0].VolumeTag)
}

func TestParseStatusSkipsUnrecognizedBoilerplate(t *testing.T) {
	out := "garbage line that matches nothing\nStorage Element 1:Empty\n"
	slots, err := parseStatus(out)
	require.NoError(t, err)
	assert.Equal(t, Empty, slots[1].Status)
}

func TestParseStatusUnparseableDriveLineErrors(t *testing.T) {
	_, err := parseStatus("Data Transfer Element zero:Full\n")
	require.Error(t, err)
}

func TestEnsureTapeLoadedRejectsCleaningCartridge(t *testing.T) {
	l := New("/dev/sg2", "SERIAL1", nil)
	err := l.EnsureTapeLoaded(nil, "CLN001L1", nil, nil)
	require.ErrorIs(t, err, ErrCleaningCartridge)
}
