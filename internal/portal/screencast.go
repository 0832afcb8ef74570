package portal

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"

	"go2tv.app/screenrec/capture"
)

const (
	screenCastInterface = callBaseName + ".ScreenCast"
	createSessionName   = screenCastInterface + ".CreateSession"
	selectSourcesName   = screenCastInterface + ".SelectSources"
	startName           = screenCastInterface + ".Start"
)

const (
	SourceTypeMonitor uint32 = 1
	SourceTypeWindow  uint32 = 2
	SourceTypeVirtual uint32 = 4
)

const (
	CursorModeHidden   uint32 = 1
	CursorModeEmbedded uint32 = 2
	CursorModeMetadata uint32 = 4
)

var ErrNoMonitor = errors.New("portal returned no monitor")

// Stream is one source the user granted in the ScreenCast dialog.
type Stream struct {
	NodeID     uint32
	Position   [2]int32
	Size       [2]int32
	SourceType uint32
	MappingID  string
	ID         string
}

// Region returns the stream's rectangle in the compositor's logical
// coordinates.
func (s Stream) Region() capture.Region {
	return capture.Region{
		X:      int(s.Position[0]),
		Y:      int(s.Position[1]),
		Width:  int(s.Size[0]),
		Height: int(s.Size[1]),
	}
}

// SelectOptions configures SelectMonitor.
type SelectOptions struct {
	// ShowCursor asks for the cursor to be drawn into the stream.
	ShowCursor bool
	// Multiple allows selecting more than one monitor.
	Multiple bool
}

// ScreenCastVersion returns the ScreenCast portal version.
func (p *Portal) ScreenCastVersion() (uint32, error) {
	return p.uint32Property(screenCastInterface, "version")
}

// AvailableSourceTypes returns the SourceType bit mask the portal supports.
func (p *Portal) AvailableSourceTypes() (uint32, error) {
	return p.uint32Property(screenCastInterface, "AvailableSourceTypes")
}

// SelectMonitor shows the portal's monitor picker and returns the streams the
// user chose. The portal session is closed before returning; only the
// geometry is used.
func (p *Portal) SelectMonitor(ctx context.Context, opts SelectOptions) ([]Stream, error) {
	results, err := p.request(ctx, createSessionName, map[string]dbus.Variant{
		"session_handle_token": fromString(newToken()),
	})
	if err != nil {
		return nil, err
	}
	handle, ok := results["session_handle"]
	if !ok {
		return nil, fmt.Errorf("%s: %w: missing session_handle", createSessionName, ErrUnexpectedResponse)
	}
	var session dbus.ObjectPath
	switch v := handle.Value().(type) {
	case string:
		session = dbus.ObjectPath(v)
	case dbus.ObjectPath:
		session = v
	default:
		return nil, fmt.Errorf("%s: %w: session_handle is %T", createSessionName, ErrUnexpectedResponse, v)
	}
	defer func() {
		if err := p.conn.Object(objectName, session).Call(sessionClose, 0).Err; err != nil {
			p.log.Debug("close screencast session", "err", err)
		}
	}()

	cursor := CursorModeHidden
	if opts.ShowCursor {
		cursor = CursorModeEmbedded
	}
	if modes, err := p.uint32Property(screenCastInterface, "AvailableCursorModes"); err == nil && modes&cursor == 0 {
		p.log.Debug("cursor mode not supported, using portal default", "mode", cursor, "available", modes)
		cursor = 0
	}
	sel := map[string]dbus.Variant{
		"types":    fromUint32(SourceTypeMonitor),
		"multiple": fromBool(opts.Multiple),
	}
	if cursor != 0 {
		sel["cursor_mode"] = fromUint32(cursor)
	}
	if _, err := p.request(ctx, selectSourcesName, sel, session); err != nil {
		return nil, err
	}

	results, err = p.request(ctx, startName, map[string]dbus.Variant{}, session, "")
	if err != nil {
		return nil, err
	}
	streams := parseStreams(results)
	if len(streams) == 0 {
		return nil, ErrNoMonitor
	}
	for _, s := range streams {
		p.log.Info("portal stream selected", "node", s.NodeID, "region", s.Region().String(), "type", s.SourceType)
	}
	return streams, nil
}

// parseStreams decodes the a(ua{sv}) streams result of Start.
func parseStreams(results map[string]dbus.Variant) []Stream {
	v, ok := results["streams"]
	if !ok {
		return nil
	}
	var raw [][]any
	switch rs := v.Value().(type) {
	case [][]any:
		raw = rs
	case []any:
		for _, r := range rs {
			if s, ok := r.([]any); ok {
				raw = append(raw, s)
			}
		}
	default:
		return nil
	}

	var streams []Stream
	for _, fields := range raw {
		if len(fields) < 2 {
			continue
		}
		var s Stream
		s.NodeID, _ = fields[0].(uint32)
		if props, ok := fields[1].(map[string]dbus.Variant); ok {
			if pos, ok := props["position"]; ok {
				s.Position, _ = parseInt32Pair(pos.Value())
			}
			if size, ok := props["size"]; ok {
				s.Size, _ = parseInt32Pair(size.Value())
			}
			if t, ok := props["source_type"]; ok {
				s.SourceType, _ = t.Value().(uint32)
			}
			if id, ok := props["mapping_id"]; ok {
				s.MappingID, _ = id.Value().(string)
			}
			if id, ok := props["id"]; ok {
				s.ID, _ = id.Value().(string)
			}
		}
		streams = append(streams, s)
	}
	return streams
}

func parseInt32Pair(value any) ([2]int32, bool) {
	values, ok := value.([]any)
	if !ok || len(values) < 2 {
		return [2]int32{}, false
	}
	left, ok := values[0].(int32)
	if !ok {
		return [2]int32{}, false
	}
	right, ok := values[1].(int32)
	if !ok {
		return [2]int32{}, false
	}
	return [2]int32{left, right}, true
}
