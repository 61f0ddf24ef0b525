package odrive

import (
	"context"
	"io"
	"io/ioutil"
	"sort"
	"time"

	"github.com/berr-exo/exodrive/motor"
	"github.com/pkg/errors"
	"github.com/snksoft/crc"
	"go.uber.org/multierr"
	yaml "gopkg.in/yaml.v2"
)

var (
	crcTable = crc.NewTable(crc.XMODEM)

	// ErrSnapshotCorrupt is generated when a snapshot's CRC does not match its properties
	ErrSnapshotCorrupt = errors.New("odrive: snapshot CRC mismatch")

	// SnapshotAxisPaths are the axis relative properties captured by a snapshot
	SnapshotAxisPaths = []string{
		"config.motor.motor_type",
		"config.motor.pole_pairs",
		propTorqueConstant,
		propCurrentSoftMax,
		"config.motor.current_hard_max",
		"config.motor.calibration_current",
		"config.motor.resistance_calib_max_voltage",
		propPhaseR,
		propPhaseL,
		"config.load_encoder",
		"config.commutation_encoder",
		"config.startup_motor_calibration",
		"config.startup_encoder_offset_calibration",
		"config.startup_encoder_index_search",
		"config.startup_closed_loop_control",
		propControlMode,
		propInputMode,
		"controller.config.vel_limit",
		"controller.config.vel_limit_tolerance",
		"controller.config.vel_ramp_rate",
		"controller.config.enable_torque_mode_vel_limit",
	}

	// SnapshotBoardPaths are the board level properties captured by a snapshot
	SnapshotBoardPaths = []string{
		"rs485_encoder_group0.config.mode",
	}
)

// Snapshot is a saved copy of the configuration of a board
type Snapshot struct {
	Serial     string            `yaml:"serial"`
	Taken      time.Time         `yaml:"taken"`
	Properties map[string]string `yaml:"properties"`
	CRC        uint16            `yaml:"crc"`
}

// checksum is the CRC of the properties in path order
func (s Snapshot) checksum() uint16 {
	keys := make([]string, 0, len(s.Properties))
	for k := range s.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	c := crcTable.InitCrc()
	for _, k := range keys {
		c = crcTable.UpdateCrc(c, []byte(k+"="+s.Properties[k]+"\n"))
	}
	return crcTable.CRC16(c)
}

// Seal stamps the snapshot with the CRC of its properties
func (s *Snapshot) Seal() {
	s.CRC = s.checksum()
}

// Verify checks the CRC of the snapshot
func (s Snapshot) Verify() error {
	if s.checksum() != s.CRC {
		return ErrSnapshotCorrupt
	}
	return nil
}

// Backup reads the snapshot properties of an axis.  Properties the firmware
// does not have are left out and returned as skipped.
func Backup(ctx context.Context, ps motor.PropertyStore, axis int) (Snapshot, []string, error) {
	snap := Snapshot{Taken: time.Now().UTC(), Properties: map[string]string{}}
	paths := make([]string, 0, len(SnapshotAxisPaths)+len(SnapshotBoardPaths))
	for _, rel := range SnapshotAxisPaths {
		paths = append(paths, axisPath(axis, rel))
	}
	paths = append(paths, SnapshotBoardPaths...)

	var skipped []string
	for _, p := range paths {
		v, err := ps.ReadProperty(ctx, p)
		if err != nil {
			if IsInvalidProperty(err) {
				skipped = append(skipped, p)
				continue
			}
			return snap, skipped, err
		}
		snap.Properties[p] = v
	}
	if sn, err := ps.ReadProperty(ctx, "serial_number"); err == nil {
		snap.Serial = sn
	}
	snap.Seal()
	return snap, skipped, nil
}

// Restore verifies a snapshot and writes every property in it.  Every write
// is attempted, failures are combined.
func Restore(ctx context.Context, ps motor.PropertyStore, snap Snapshot) error {
	if err := snap.Verify(); err != nil {
		return err
	}
	keys := make([]string, 0, len(snap.Properties))
	for k := range snap.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var errs error
	for _, k := range keys {
		errs = multierr.Append(errs, ps.WriteProperty(ctx, k, snap.Properties[k]))
	}
	return errs
}

// WriteSnapshot encodes a snapshot as YAML
func WriteSnapshot(w io.Writer, snap Snapshot) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(snap); err != nil {
		return err
	}
	return enc.Close()
}

// ReadSnapshot decodes a YAML snapshot and verifies it
func ReadSnapshot(r io.Reader) (Snapshot, error) {
	var snap Snapshot
	b, err := ioutil.ReadAll(r)
	if err != nil {
		return snap, err
	}
	if err = yaml.Unmarshal(b, &snap); err != nil {
		return snap, errors.Wrap(err, "decoding snapshot")
	}
	return snap, snap.Verify()
}
