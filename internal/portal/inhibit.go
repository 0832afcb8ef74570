package portal

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

const inhibitName = callBaseName + ".Inhibit.Inhibit"

// Inhibit flags.
const (
	InhibitLogout      uint32 = 1
	InhibitUserSwitch  uint32 = 2
	InhibitSuspend     uint32 = 4
	InhibitIdle        uint32 = 8
	inhibitWhileRecord        = InhibitSuspend | InhibitIdle
)

// Inhibit blocks suspend and idle until release is called. The portal keeps
// the inhibition for as long as its request object is open.
func (p *Portal) Inhibit(reason string) (release func(), err error) {
	options := map[string]dbus.Variant{
		"handle_token": fromString(newToken()),
		"reason":       fromString(reason),
	}
	var handle dbus.ObjectPath
	obj := p.conn.Object(objectName, objectPath)
	if err := obj.Call(inhibitName, 0, "", inhibitWhileRecord, options).Store(&handle); err != nil {
		return nil, fmt.Errorf("%s: %w", inhibitName, err)
	}
	p.log.Debug("inhibit acquired", "handle", handle)

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := p.conn.Object(objectName, handle).Call(requestClose, 0).Err; err != nil {
				p.log.Warn("release inhibit", "err", err)
				return
			}
			p.log.Debug("inhibit released", "handle", handle)
		})
	}, nil
}
