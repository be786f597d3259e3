package printer

import (
	"errors"
	"testing"
)

func TestMonitorReportsChanges(t *testing.T) {
	a := &Printer{ID: "usb:0B1B:0003", Type: "usb", Description: "MP-4200 TH"}
	b := &Printer{ID: "serial:/dev/ttyUSB0", Type: "serial", Description: "Serial: ttyUSB0"}

	scans := [][]*Printer{{a}, {a, b}, {b}}
	call := 0
	m := newMonitor(func() ([]*Printer, error) {
		res := scans[call]
		call++
		return res, nil
	}, 0, nil)

	var added, removed []string
	m.OnAdded(func(p *Printer) { added = append(added, p.ID) })
	m.OnRemoved(func(p *Printer) { removed = append(removed, p.ID) })

	previous := make(map[string]*Printer)
	m.checkChanges(previous)
	m.checkChanges(previous)
	m.checkChanges(previous)

	if len(added) != 2 || added[0] != a.ID || added[1] != b.ID {
		t.Errorf("unexpected added: %v", added)
	}
	if len(removed) != 1 || removed[0] != a.ID {
		t.Errorf("unexpected removed: %v", removed)
	}
}

func TestUSBTransportMatches(t *testing.T) {
	tr := NewUSBTransport(0x0B1B, 0x0003, nil)
	if !tr.Matches(&Printer{Type: "usb", VID: 0x0B1B, PID: 0x0003}) {
		t.Error("expected match on vid/pid")
	}
	if tr.Matches(&Printer{Type: "serial", VID: 0x0B1B, PID: 0x0003}) {
		t.Error("serial printer must not match usb transport")
	}
}

func TestUSBTransportFollowRetriesOpen(t *testing.T) {
	dev := &Printer{ID: "usb:0B1B:0003", Type: "usb", VID: 0x0B1B, PID: 0x0003, Description: "MP-4200 TH"}
	scans := [][]*Printer{{dev}, {dev}, {dev}, {}}
	call := 0
	m := newMonitor(func() ([]*Printer, error) {
		res := scans[call]
		call++
		return res, nil
	}, 0, nil)

	link := &fakeLink{failAt: -1}
	dials := 0
	tr := NewUSBTransport(0x0B1B, 0x0003, nil)
	tr.dial = func(vid, pid uint16) (usbLink, error) {
		dials++
		if dials == 1 {
			return nil, errors.New("LIBUSB_ERROR_BUSY")
		}
		return link, nil
	}
	tr.Follow(m)

	previous := make(map[string]*Printer)
	m.checkChanges(previous)
	if tr.Available() {
		t.Fatal("transport should be unavailable after a failed open")
	}

	m.checkChanges(previous)
	if !tr.Available() {
		t.Fatal("expected the open to be retried while the device is attached")
	}

	m.checkChanges(previous)
	if dials != 2 {
		t.Errorf("an open device must not be reopened, got %d dials", dials)
	}

	m.checkChanges(previous)
	if tr.Available() || !link.closed {
		t.Error("expected the device to be closed once it is unplugged")
	}
}
