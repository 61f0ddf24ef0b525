// Package telemetry records and publishes the status of a running loop: to a
// CSV file, to an MQTT broker, and to websocket clients.
package telemetry

import (
	"strconv"
	"time"

	"github.com/berr-exo/exodrive/loop"
)

// Columns is the header of the CSV log
var Columns = []string{
	"time_s",
	"position_turns",
	"velocity_turns_s",
	"commanded_torque_nm",
	"desired_torque_nm",
	"estimated_torque_nm",
	"iq_measured_a",
	"motor_temp_c",
	"fet_temp_c",
	"vbus_v",
	"ibus_a",
	"electrical_power_w",
	"mechanical_power_w",
	"active_errors",
}

// Record is one row of the log, flattened from a loop.Status
type Record struct {
	Time            float64 `json:"time_s"`
	Position        float64 `json:"position_turns"`
	Velocity        float64 `json:"velocity_turns_s"`
	Commanded       float64 `json:"commanded_torque_nm"`
	Desired         float64 `json:"desired_torque_nm"`
	Estimated       float64 `json:"estimated_torque_nm"`
	IqMeasured      float64 `json:"iq_measured_a"`
	MotorTemp       float64 `json:"motor_temp_c"`
	FETTemp         float64 `json:"fet_temp_c"`
	BusVoltage      float64 `json:"vbus_v"`
	BusCurrent      float64 `json:"ibus_a"`
	ElectricalPower float64 `json:"electrical_power_w"`
	MechanicalPower float64 `json:"mechanical_power_w"`
	ActiveErrors    uint32  `json:"active_errors"`
	Label           string  `json:"label,omitempty"`
}

// FromStatus flattens a status.  The estimated torque is the firmware's
// estimate when it has one, else the measured current times torqueConstant.
func FromStatus(s loop.Status, torqueConstant float64) Record {
	t := s.Telemetry
	est := t.IqMeasured * torqueConstant
	if t.HasTorqueEstimate {
		est = t.TorqueEstimate
	}
	return Record{
		Time:            s.Elapsed.Seconds(),
		Position:        t.Position,
		Velocity:        t.Velocity,
		Commanded:       s.Commanded,
		Desired:         s.Desired,
		Estimated:       est,
		IqMeasured:      t.IqMeasured,
		MotorTemp:       t.MotorTemp,
		FETTemp:         t.FETTemp,
		BusVoltage:      t.BusVoltage,
		BusCurrent:      t.BusCurrent,
		ElectricalPower: t.ElectricalPower(),
		MechanicalPower: t.MechanicalPower(s.Commanded),
		ActiveErrors:    t.ActiveErrors,
		Label:           s.Label,
	}
}

// Row renders the record in the order of Columns
func (r Record) Row() []string {
	f := func(x float64) string { return strconv.FormatFloat(x, 'f', 6, 64) }
	return []string{
		strconv.FormatFloat(r.Time, 'f', 4, 64),
		f(r.Position),
		f(r.Velocity),
		f(r.Commanded),
		f(r.Desired),
		f(r.Estimated),
		f(r.IqMeasured),
		strconv.FormatFloat(r.MotorTemp, 'f', 2, 64),
		strconv.FormatFloat(r.FETTemp, 'f', 2, 64),
		strconv.FormatFloat(r.BusVoltage, 'f', 3, 64),
		strconv.FormatFloat(r.BusCurrent, 'f', 3, 64),
		strconv.FormatFloat(r.ElectricalPower, 'f', 3, 64),
		strconv.FormatFloat(r.MechanicalPower, 'f', 3, 64),
		strconv.FormatUint(uint64(r.ActiveErrors), 10),
	}
}

// Filename is the name of a log started at t
func Filename(t time.Time) string {
	return "exo-" + t.Format("20060102-150405") + ".csv"
}
