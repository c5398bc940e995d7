package roster

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claytonnetvision/wodpulse/internal/calc"
)

const sampleRoster = `
[[participant]]
id = "ana"
name = "Ana"
age = 34
weight_kg = 61.5
gender = "F"
resting_hr = 58
use_tanaka = true
sensor_id = "AA:BB"
sensor_name = "Polar H10 1"

[[participant]]
id = "bruno"
name = "Bruno"
age = 40
weight_kg = 82
gender = "M"
max_hr = 176
`

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func writeRoster(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roster.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestProfile_EffectiveMaxHR(t *testing.T) {
	assert.Equal(t, 176, Profile{MaxHR: 176, Age: 40}.EffectiveMaxHR())
	assert.Equal(t, 180, Profile{Age: 40}.EffectiveMaxHR())
	assert.Equal(t, 180, Profile{Age: 40, UseTanaka: true}.EffectiveMaxHR())
	assert.Equal(t, 184, Profile{Age: 34, UseTanaka: true}.EffectiveMaxHR())
	assert.Equal(t, 190, Profile{}.EffectiveMaxHR())
}

func TestProfile_Body(t *testing.T) {
	b := Profile{Age: 34, WeightKg: 61.5, Gender: calc.GenderFemale, RestingHR: 58, UseTanaka: true}.Body()
	assert.Equal(t, calc.Body{Age: 34, WeightKg: 61.5, Gender: calc.GenderFemale, MaxHR: 184, RestingHR: 58}, b)
}

func TestOpenFile(t *testing.T) {
	f, err := OpenFile(writeRoster(t, sampleRoster), testLogger())
	require.NoError(t, err)

	profiles, err := f.Profiles(context.Background())
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	ana, ok := Find(profiles, "ana")
	require.True(t, ok)
	assert.Equal(t, "AA:BB", ana.SensorID)
	assert.Equal(t, calc.GenderFemale, ana.Gender)
	assert.InDelta(t, 61.5, ana.WeightKg, 1e-9)

	_, ok = Find(profiles, "carla")
	assert.False(t, ok)
}

func TestOpenFile_RejectsDuplicates(t *testing.T) {
	_, err := OpenFile(writeRoster(t, sampleRoster+"\n[[participant]]\nid = \"ana\"\n"), testLogger())
	assert.ErrorContains(t, err, "duplicate")

	_, err = OpenFile(writeRoster(t, "[[participant]]\nname = \"x\"\n"), testLogger())
	assert.ErrorContains(t, err, "no id")
}

func TestFile_UpdateBindingPersists(t *testing.T) {
	path := writeRoster(t, sampleRoster)
	f, err := OpenFile(path, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.UpdateBinding(ctx, "bruno", "CC:DD", "Garmin HRM"))
	require.NoError(t, f.UpdateBinding(ctx, "ana", "", ""))

	reopened, err := OpenFile(path, testLogger())
	require.NoError(t, err)
	profiles, err := reopened.Profiles(ctx)
	require.NoError(t, err)

	bruno, _ := Find(profiles, "bruno")
	ana, _ := Find(profiles, "ana")
	assert.Equal(t, "CC:DD", bruno.SensorID)
	assert.Equal(t, "Garmin HRM", bruno.SensorName)
	assert.Empty(t, ana.SensorID)
	assert.Equal(t, 176, bruno.MaxHR)
}

func TestFile_UpdateBindingUnknown(t *testing.T) {
	f, err := OpenFile(writeRoster(t, sampleRoster), testLogger())
	require.NoError(t, err)
	err = f.UpdateBinding(context.Background(), "nobody", "X", "")
	assert.ErrorIs(t, err, ErrUnknownParticipant)
}

func TestFile_ProfilesReturnsCopy(t *testing.T) {
	f, err := OpenFile(writeRoster(t, sampleRoster), testLogger())
	require.NoError(t, err)
	profiles, _ := f.Profiles(context.Background())
	profiles[0].SensorID = "mutated"

	again, _ := f.Profiles(context.Background())
	assert.Equal(t, "AA:BB", again[0].SensorID)
}
