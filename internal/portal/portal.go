// Package portal talks to xdg-desktop-portal over the D-Bus session bus. It
// lets the user pick a monitor through the ScreenCast portal and keeps the
// session awake through the Inhibit portal.
package portal

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"

	"go2tv.app/screenrec/internal/logging"
)

const (
	objectName        = "org.freedesktop.portal.Desktop"
	objectPath        = dbus.ObjectPath("/org/freedesktop/portal/desktop")
	callBaseName      = "org.freedesktop.portal"
	propertiesGetName = "org.freedesktop.DBus.Properties.Get"

	requestInterface = callBaseName + ".Request"
	requestResponse  = "Response"
	requestClose     = requestInterface + ".Close"
	sessionClose     = callBaseName + ".Session.Close"
)

var (
	ErrUnexpectedResponse = errors.New("unexpected response from portal")
	ErrCancelled          = errors.New("portal request cancelled by the user")
	ErrEnded              = errors.New("portal request ended")
)

// Response codes of org.freedesktop.portal.Request.Response.
const (
	responseSuccess   uint32 = 0
	responseCancelled uint32 = 1
)

var (
	boolSignature   = dbus.SignatureOfType(reflect.TypeOf(false))
	stringSignature = dbus.SignatureOfType(reflect.TypeOf(""))
	uint32Signature = dbus.SignatureOfType(reflect.TypeOf(uint32(0)))
)

func fromBool(v bool) dbus.Variant {
	return dbus.MakeVariantWithSignature(v, boolSignature)
}

func fromString(v string) dbus.Variant {
	return dbus.MakeVariantWithSignature(v, stringSignature)
}

func fromUint32(v uint32) dbus.Variant {
	return dbus.MakeVariantWithSignature(v, uint32Signature)
}

// Portal is a connection to the desktop portal.
type Portal struct {
	conn *dbus.Conn
	log  *slog.Logger
}

// New connects to the session bus.
func New(log *slog.Logger) (*Portal, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return &Portal{conn: conn, log: logging.Component(log, "portal")}, nil
}

// newToken returns a handle token unique enough for one process.
func newToken() string {
	str := strings.Builder{}
	str.WriteString("screenrec")
	a, _ := rand.Int(rand.Reader, big.NewInt(1<<32))
	str.WriteString(strconv.FormatUint(a.Uint64(), 16))
	return str.String()
}

// requestPath is the object path the portal uses for a request made by
// sender with handle token.
func requestPath(sender, token string) dbus.ObjectPath {
	s := strings.ReplaceAll(strings.TrimPrefix(sender, ":"), ".", "_")
	return dbus.ObjectPath(fmt.Sprintf("%s/request/%s/%s", objectPath, s, token))
}

func (p *Portal) sender() string {
	if names := p.conn.Names(); len(names) > 0 {
		return names[0]
	}
	return ""
}

func (p *Portal) property(iface, name string) (any, error) {
	var value dbus.Variant
	obj := p.conn.Object(objectName, objectPath)
	if err := obj.Call(propertiesGetName, 0, iface, name).Store(&value); err != nil {
		return nil, err
	}
	return value.Value(), nil
}

func (p *Portal) uint32Property(iface, name string) (uint32, error) {
	value, err := p.property(iface, name)
	if err != nil {
		return 0, err
	}
	v, ok := value.(uint32)
	if !ok {
		return 0, fmt.Errorf("property %s returned unexpected type %T", name, value)
	}
	return v, nil
}

// request calls method with a fresh handle token and waits for the matching
// Response signal. The subscription is made before the call so a fast
// response cannot be missed.
func (p *Portal) request(ctx context.Context, method string, options map[string]dbus.Variant, args ...any) (map[string]dbus.Variant, error) {
	token := newToken()
	options["handle_token"] = fromString(token)
	path := requestPath(p.sender(), token)

	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(requestInterface),
		dbus.WithMatchMember(requestResponse),
	}
	if err := p.conn.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("%s: subscribe: %w", method, err)
	}
	defer func() { _ = p.conn.RemoveMatchSignal(match...) }()
	signals := make(chan *dbus.Signal, 4)
	p.conn.Signal(signals)
	defer p.conn.RemoveSignal(signals)

	var handle dbus.ObjectPath
	obj := p.conn.Object(objectName, objectPath)
	if err := obj.CallWithContext(ctx, method, 0, append(args, options)...).Store(&handle); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if handle != path {
		// Old portals pick their own path.
		p.log.Debug("portal request path differs", "want", path, "got", handle)
		path = handle
	}

	for {
		select {
		case <-ctx.Done():
			_ = p.conn.Object(objectName, path).Call(requestClose, 0).Err
			return nil, ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return nil, fmt.Errorf("%s: %w: bus closed", method, ErrEnded)
			}
			if sig.Path != path || sig.Name != requestInterface+"."+requestResponse {
				continue
			}
			return parseResponse(method, sig.Body)
		}
	}
}

func parseResponse(method string, body []any) (map[string]dbus.Variant, error) {
	if len(body) != 2 {
		return nil, fmt.Errorf("%s: %w: %d values", method, ErrUnexpectedResponse, len(body))
	}
	status, ok := body[0].(uint32)
	if !ok {
		return nil, fmt.Errorf("%s: %w: status is %T", method, ErrUnexpectedResponse, body[0])
	}
	results, ok := body[1].(map[string]dbus.Variant)
	if !ok {
		return nil, fmt.Errorf("%s: %w: results are %T", method, ErrUnexpectedResponse, body[1])
	}
	switch status {
	case responseSuccess:
		return results, nil
	case responseCancelled:
		return nil, fmt.Errorf("%s: %w", method, ErrCancelled)
	default:
		return nil, fmt.Errorf("%s: %w (status %d)", method, ErrEnded, status)
	}
}
