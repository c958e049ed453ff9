package app

import (
	"fmt"
	"sort"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/womat/debug"
	"hcsgate/pkg/app/config"
	"hcsgate/pkg/eedb"
	"hcsgate/pkg/hcs"
)

// table capacities
const (
	devicesCapacity    = 250
	mitmCapacity       = 1
	logDevicesCapacity = 100
	logsCapacity       = 500
)

// Device is the stored profile of a remote.
// The layout is persisted, don't reorder the fields.
type Device struct {
	Encoder       hcs.Encoder `json:"encoder"`
	Serial        uint32      `json:"serial"`
	Key           uint64      `json:"-"`
	Counter       uint16      `json:"counter"`
	CounterResync uint16      `json:"counterResync"`
	Disc          uint16      `json:"disc"`
	Serial3       uint16      `json:"serial3"`
	Buttons       uint8       `json:"buttons"`
	// TE and Header are in µs
	TE     uint16 `json:"te"`
	Header uint16 `json:"header"`
}

// LogEntry is a frame recorded by the grabber.
type LogEntry struct {
	Frame [hcs.BufLen]byte
	Bits  uint8
}

// Signal returns the logged frame.
func (l LogEntry) Signal() hcs.RawSignal {
	return hcs.RawSignal{Buf: l.Frame, Bits: int(l.Bits)}
}

// timing returns the timing element and the header length of d.
func (d Device) timing() (te, header time.Duration) {
	return time.Duration(d.TE) * time.Microsecond, time.Duration(d.Header) * time.Microsecond
}

func micros(d time.Duration) uint16 {
	us := d / time.Microsecond
	if us > 0xFFFF {
		return 0xFFFF
	}
	return uint16(us)
}

// DeviceEntry is a stored device as listed by the web api.
type DeviceEntry struct {
	Location eedb.Location `json:"location"`
	ID       string        `json:"id"`
	Time     time.Time     `json:"time"`
	Device
}

// LogView is a logged frame as listed by the web api.
type LogView struct {
	ID     string    `json:"id"`
	Time   time.Time `json:"time"`
	Serial uint32    `json:"serial"`
	Bits   int       `json:"bits"`
	Frame  string    `json:"frame"`
}

// initStore opens the database and its tables.
func (app *App) initStore(path string) (err error) {
	if app.db, err = eedb.Open(path); err != nil {
		return fmt.Errorf("open database %s: %w", path, err)
	}

	tables := []struct {
		t        **eedb.Table
		name     string
		capacity int
		proto    any
	}{
		{&app.devices, "devices", devicesCapacity, Device{}},
		{&app.mitm, "mitm", mitmCapacity, Device{}},
		{&app.logDevices, "logdevices", logDevicesCapacity, Device{}},
		{&app.logs, "loglogs", logsCapacity, LogEntry{}},
	}

	for _, t := range tables {
		if *t.t, err = app.db.Table(t.name, t.capacity, t.proto); err != nil {
			return err
		}
	}

	return nil
}

// table returns the device table shown for name, the mode's table if name is empty.
func (app *App) table(name string) (*eedb.Table, error) {
	switch name {
	case "":
		switch app.config.Mode {
		case config.MITM:
			return app.mitm, nil
		case config.Grabber:
			return app.logDevices, nil
		default:
			return app.devices, nil
		}
	case app.devices.Name():
		return app.devices, nil
	case app.mitm.Name():
		return app.mitm, nil
	case app.logDevices.Name():
		return app.logDevices, nil
	}
	return nil, fmt.Errorf("table %q: %w", name, eedb.ErrNotFound)
}

// listDevices returns all devices of table t.
func listDevices(t *eedb.Table) ([]DeviceEntry, error) {
	var d Device
	list := []DeviceEntry{}

	_, err := t.ForEach(eedb.Any, 0, &d, func(loc eedb.Location, h eedb.Header) error {
		list = append(list, DeviceEntry{Location: loc, ID: h.ID.String(), Time: h.ID.Time(), Device: d})
		return nil
	})
	return list, err
}

// listLogs returns the logged frames of serial, all frames if serial is Any,
// in the order they were received.
func (app *App) listLogs(serial uint32) ([]LogView, error) {
	type entry struct {
		id ksuid.KSUID
		fk uint32
		l  LogEntry
	}

	var l LogEntry
	var entries []entry

	_, err := app.logs.ForEach(0, serial, &l, func(_ eedb.Location, h eedb.Header) error {
		entries = append(entries, entry{id: h.ID, fk: h.FK, l: l})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return ksuid.Compare(entries[i].id, entries[j].id) < 0 })

	list := make([]LogView, 0, len(entries))
	for _, e := range entries {
		list = append(list, LogView{
			ID:     e.id.String(),
			Time:   e.id.Time(),
			Serial: e.fk,
			Bits:   int(e.l.Bits),
			Frame:  fmt.Sprintf("% x", e.l.Frame),
		})
	}
	return list, nil
}

// latestLog returns the last frame logged for serial.
func (app *App) latestLog(serial uint32) (hcs.RawSignal, error) {
	var l, latest LogEntry
	var id ksuid.KSUID

	n, err := app.logs.ForEach(0, serial, &l, func(_ eedb.Location, h eedb.Header) error {
		if ksuid.Compare(h.ID, id) > 0 {
			id, latest = h.ID, l
		}
		return nil
	})
	switch {
	case err != nil:
		return hcs.RawSignal{}, err
	case n == 0:
		return hcs.RawSignal{}, fmt.Errorf("no frame logged for serial %d: %w", serial, eedb.ErrNotFound)
	}

	return latest.Signal(), nil
}

// Clear formats the tables of the operating mode.
func (app *App) Clear() error {
	app.session.Lock()
	defer app.session.Unlock()

	var tables []*eedb.Table
	switch app.config.Mode {
	case config.MITM:
		tables = []*eedb.Table{app.mitm}
	case config.Grabber:
		tables = []*eedb.Table{app.logDevices, app.logs}
	default:
		tables = []*eedb.Table{app.devices}
	}

	for _, t := range tables {
		debug.InfoLog.Printf("clearing table %s", t.Name())
		if err := t.Format(); err != nil {
			return fmt.Errorf("clear %s: %w", t.Name(), err)
		}
	}
	return nil
}
