package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/rickgao/bus-tracker/internal/model"
)

// ParseError reports a frame that maps to no Message variant.
type ParseError struct {
	Type   string // Discriminator, if one was found
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := "parse frame"
	if e.Type != "" {
		msg += " " + strconv.Quote(e.Type)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// ErrUnknownType is wrapped by ParseError for unrecognised discriminators.
var ErrUnknownType = errors.New("unknown message type")

// Parse decodes one frame. busID is the bus the socket belongs to and is
// used when the frame omits bus_id. A frame is either fully decoded or
// rejected with a *ParseError.
func Parse(data []byte, busID string) (Message, error) {
	var env envelopeWire
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ParseError{Reason: "invalid json", Err: err}
	}

	switch Kind(env.Type) {
	case KindLocationUpdate:
		return parseLocationUpdate(data, busID)

	case KindConnected:
		var wire connectedWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, &ParseError{Type: env.Type, Reason: "decode", Err: err}
		}
		id := string(wire.BusID)
		if id == "" {
			id = busID
		}
		return Connected{BusID: id, Info: wire.Message}, nil

	case KindError:
		var wire errorWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, &ParseError{Type: env.Type, Reason: "decode", Err: err}
		}
		return ErrorNotice{Info: wire.Message}, nil

	case "":
		return nil, &ParseError{Reason: "missing type"}

	default:
		return nil, &ParseError{Type: env.Type, Reason: "unsupported", Err: ErrUnknownType}
	}
}

func parseLocationUpdate(data []byte, busID string) (Message, error) {
	var wire locationUpdateWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &ParseError{Type: string(KindLocationUpdate), Reason: "decode", Err: err}
	}

	fail := func(reason string, err error) (Message, error) {
		return nil, &ParseError{Type: string(KindLocationUpdate), Reason: reason, Err: err}
	}

	if wire.Latitude == nil || wire.Longitude == nil {
		return fail("missing coordinates", nil)
	}
	if wire.Timestamp == nil {
		return fail("missing timestamp", nil)
	}
	ts, err := model.ParseTimestamp(*wire.Timestamp)
	if err != nil {
		return fail("bad timestamp", err)
	}

	pos := model.Position{
		Latitude:  *wire.Latitude,
		Longitude: *wire.Longitude,
		Timestamp: ts,
	}
	if wire.Speed != nil {
		pos.Speed = *wire.Speed
	}
	if wire.Heading != nil {
		pos.Heading = *wire.Heading
	}
	if !pos.Valid() || math.IsInf(pos.Speed, 0) || math.IsInf(pos.Heading, 0) {
		return fail("coordinates out of range", nil)
	}

	id := string(wire.BusID)
	if id == "" {
		id = busID
	}
	return LocationUpdate{BusID: id, Position: pos}, nil
}

// flexString accepts a JSON string or number. Bus ids are strings on the
// wire but some backends send integer primary keys.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("bus_id: %w", err)
	}
	*f = flexString(n.String())
	return nil
}
