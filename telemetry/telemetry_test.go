package telemetry

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/berr-exo/exodrive/loop"
	"github.com/berr-exo/exodrive/motor"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edaniels/golog"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleStatus() loop.Status {
	return loop.Status{
		Elapsed: 1500 * time.Millisecond,
		Telemetry: motor.Telemetry{
			Position:     0.25,
			Velocity:     0.5,
			HasPosition:  true,
			IqMeasured:   2,
			HasCurrent:   true,
			MotorTemp:    30,
			FETTemp:      35,
			BusVoltage:   24,
			BusCurrent:   0.5,
			HasBus:       true,
			ActiveErrors: 0x8000,
		},
		Commanded: 0.2,
		Desired:   0.3,
		Label:     "RESIST",
	}
}

func TestFilename(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	assert.Equal(t, "exo-20240309-140507.csv", Filename(ts))
}

func TestFromStatusFallsBackToCurrent(t *testing.T) {
	r := FromStatus(sampleStatus(), 0.1)
	assert.InDelta(t, 0.2, r.Estimated, 1e-12)
	assert.Equal(t, 12., r.ElectricalPower)
	assert.InDelta(t, 0.2*0.5*2*3.141592653589793, r.MechanicalPower, 1e-12)

	s := sampleStatus()
	s.Telemetry.TorqueEstimate = 0.19
	s.Telemetry.HasTorqueEstimate = true
	assert.Equal(t, 0.19, FromStatus(s, 0.1).Estimated)
}

func TestRowMatchesColumns(t *testing.T) {
	row := FromStatus(sampleStatus(), 0.1).Row()
	require.Len(t, row, len(Columns))
	assert.Equal(t, "1.5000", row[0])
	assert.Equal(t, "32768", row[len(row)-1])
}

func TestCSVWriter(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewCSVWriter(&buf, 0.1)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Emit(sampleStatus()))
	}
	require.NoError(t, l.Close())
	recs, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, Columns, recs[0])
	assert.Equal(t, 3, l.Rows())
}

func TestCSVLoggerCreatesTimestampedFile(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2024, 3, 9, 14, 5, 7, 0, time.Local)
	l, err := NewCSVLogger(filepath.Join(dir, "logs"), start, 0.1)
	require.NoError(t, err)
	require.NoError(t, l.Emit(sampleStatus()))
	require.NoError(t, l.Close())
	assert.Equal(t, filepath.Join(dir, "logs", "exo-20240309-140507.csv"), l.Path)
	b, err := os.ReadFile(l.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	assert.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "time_s,position_turns"))
}

// fakeToken completes immediately, or never
type fakeToken struct {
	mqtt.Token
	done bool
	err  error
}

func (f fakeToken) WaitTimeout(time.Duration) bool { return f.done }
func (f fakeToken) Error() error                   { return f.err }

type fakeClient struct {
	mqtt.Client
	topics   []string
	payloads [][]byte
	stuck    bool
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload.([]byte))
	return fakeToken{done: !f.stuck}
}

func TestMQTTSinkPublishesJSON(t *testing.T) {
	c := &fakeClient{}
	s := NewMQTTSink(c, "exo/telemetry", 0, time.Millisecond, 0.1)
	require.NoError(t, s.Emit(sampleStatus()))
	require.Len(t, c.payloads, 1)
	assert.Equal(t, "exo/telemetry", c.topics[0])
	var rec Record
	require.NoError(t, json.Unmarshal(c.payloads[0], &rec))
	assert.Equal(t, 0.2, rec.Commanded)
	assert.Equal(t, "RESIST", rec.Label)

	c.stuck = true
	assert.Equal(t, ErrPublishTimeout, s.Emit(sampleStatus()))
}

func TestHubBroadcasts(t *testing.T) {
	h := NewHub(0.1, golog.NewTestLogger(t))
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.Emit(sampleStatus()))

	var rec Record
	ws.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, ws.ReadJSON(&rec))
	assert.Equal(t, 0.25, rec.Position)

	ws.Close()
	require.Eventually(t, func() bool { return h.Clients() == 0 }, time.Second, 5*time.Millisecond)
}
