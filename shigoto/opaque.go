package shigoto

import (
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Opaque protocol levels select the CBOR encoding profile of OpaqueCodec.
// Decoders accept every level; the level byte prefixes each payload.
const (
	OpaqueProtocolUnsorted  = 1 // preferred serialization, map keys unsorted
	OpaqueProtocolCanonical = 2 // RFC 7049 canonical
	OpaqueProtocolCTAP2     = 3 // CTAP2 canonical
	OpaqueProtocolCoreDet   = 4 // RFC 8949 core deterministic
)

const (
	kindTask     = "task"
	kindPeriodic = "periodic"
	kindJSON     = "json"
)

// OpaqueCodec carries the complete message graph, including message types
// registered with Registry.RegisterType, in a type-tagged CBOR envelope.
// Decoding rebinds function references against the consumer's registry, so it
// is only safe when both ends share the same registrations.
type OpaqueCodec struct {
	reg   *Registry
	level int
	enc   cbor.EncMode
	dec   cbor.DecMode
}

type opaqueEnvelope struct {
	Kind string          `cbor:"k"`
	Body cbor.RawMessage `cbor:"b"`
}

type opaqueTask struct {
	Fn       FuncRef        `cbor:"fn"`
	Args     []any          `cbor:"args"`
	Kwargs   map[string]any `cbor:"kwargs"`
	Interval int64          `cbor:"interval,omitempty"` // nanoseconds
	Continue *FuncRef       `cbor:"continue,omitempty"`
}

// NewOpaqueCodec returns an OpaqueCodec writing the protocol level read from
// SHIGOTO_OPAQUE_PROTOCOL at startup.
func NewOpaqueCodec(reg *Registry) (*OpaqueCodec, error) {
	e, err := Env()
	if err != nil {
		return nil, fmt.Errorf("opaque codec: %w", err)
	}
	return NewOpaqueCodecLevel(reg, e.OpaqueProtocol)
}

// NewOpaqueCodecLevel returns an OpaqueCodec writing the given protocol level.
func NewOpaqueCodecLevel(reg *Registry, level int) (*OpaqueCodec, error) {
	enc, err := opaqueEncMode(level)
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("building cbor decoder: %w", err)
	}
	if reg == nil {
		reg = DefaultRegistry
	}
	return &OpaqueCodec{reg: reg, level: level, enc: enc, dec: dec}, nil
}

func opaqueEncMode(level int) (cbor.EncMode, error) {
	var opts cbor.EncOptions
	switch level {
	case OpaqueProtocolUnsorted:
		opts = cbor.PreferredUnsortedEncOptions()
	case OpaqueProtocolCanonical:
		opts = cbor.CanonicalEncOptions()
	case OpaqueProtocolCTAP2:
		opts = cbor.CTAP2EncOptions()
	case OpaqueProtocolCoreDet:
		opts = cbor.CoreDetEncOptions()
	default:
		return nil, fmt.Errorf("opaque codec: unsupported protocol level %d", level)
	}
	em, err := opts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("building cbor encoder: %w", err)
	}
	return em, nil
}

// Name implements Codec.
func (c *OpaqueCodec) Name() string { return "opaque" }

// Level returns the protocol level written by this codec.
func (c *OpaqueCodec) Level() int { return c.level }

// Serialize implements Codec.
func (c *OpaqueCodec) Serialize(m Message) ([]byte, error) {
	var (
		kind string
		body any
	)
	switch t := m.(type) {
	case *PeriodicTask:
		if err := checkInterval(t.Interval); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		cont := t.Continue
		kind = kindPeriodic
		body = opaqueTask{Fn: t.Fn, Args: opaqueArgs(t.Args), Kwargs: opaqueKwargs(t.Kwargs), Interval: int64(t.Interval), Continue: &cont}
	case *Task:
		kind = kindTask
		body = opaqueTask{Fn: t.Fn, Args: opaqueArgs(t.Args), Kwargs: opaqueKwargs(t.Kwargs)}
	case *JSONMessage:
		kind = kindJSON
		body = map[string]any(opaqueKwargs(t.Data))
	default:
		k, ok := c.reg.kindOf(m)
		if !ok {
			return nil, fmt.Errorf("%w: opaque codec has no registered type for %T", ErrSerialization, m)
		}
		kind, body = k, m
	}

	raw, err := c.enc.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding %s body: %v", ErrSerialization, kind, err)
	}
	env, err := c.enc.Marshal(opaqueEnvelope{Kind: kind, Body: raw})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding envelope: %v", ErrSerialization, err)
	}
	return append([]byte{byte(c.level)}, env...), nil
}

// Deserialize implements Codec.
func (c *OpaqueCodec) Deserialize(data []byte) (Message, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: opaque payload too short", ErrDeserialization)
	}
	if lvl := int(data[0]); lvl < OpaqueProtocolUnsorted || lvl > OpaqueProtocolCoreDet {
		return nil, fmt.Errorf("%w: unknown opaque protocol level %d", ErrDeserialization, lvl)
	}

	var env opaqueEnvelope
	if err := c.dec.Unmarshal(data[1:], &env); err != nil {
		return nil, fmt.Errorf("%w: decoding envelope: %v", ErrDeserialization, err)
	}

	switch env.Kind {
	case kindTask, kindPeriodic:
		var ot opaqueTask
		if err := c.dec.Unmarshal(env.Body, &ot); err != nil {
			return nil, fmt.Errorf("%w: decoding task body: %v", ErrDeserialization, err)
		}
		task := Task{Fn: ot.Fn, Args: emptyIfNilSlice(ot.Args), Kwargs: emptyIfNilMap(ot.Kwargs)}
		if env.Kind == kindTask {
			t := &task
			if err := c.reg.bind(t); err != nil {
				return nil, err
			}
			return t, nil
		}
		if ot.Continue == nil {
			return nil, fmt.Errorf("%w: periodic task without continue", ErrDeserialization)
		}
		p := &PeriodicTask{Task: task, Interval: time.Duration(ot.Interval), Continue: *ot.Continue}
		if err := checkInterval(p.Interval); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
		}
		if err := c.reg.bindPeriodic(p); err != nil {
			return nil, err
		}
		return p, nil

	case kindJSON:
		var p map[string]any
		if err := c.dec.Unmarshal(env.Body, &p); err != nil {
			return nil, fmt.Errorf("%w: decoding json body: %v", ErrDeserialization, err)
		}
		return &JSONMessage{Data: emptyIfNilMap(p)}, nil

	default:
		typ, ok := c.reg.typeOf(env.Kind)
		if !ok {
			return nil, fmt.Errorf("%w: opaque kind %q", ErrResolution, env.Kind)
		}
		ptr := reflect.New(typ)
		if err := c.dec.Unmarshal(env.Body, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("%w: decoding %s body: %v", ErrDeserialization, env.Kind, err)
		}
		msg, ok := ptr.Interface().(Message)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a message", ErrDeserialization, env.Kind)
		}
		return msg, nil
	}
}

// opaqueArgs and opaqueKwargs replace json.Number values left by the JSON
// codecs with real numbers, which CBOR would otherwise encode as text.
func opaqueArgs(args []any) []any {
	out, _ := normalizeValue(emptyIfNilSlice(args)).([]any)
	return out
}

func opaqueKwargs(kw Payload) Payload {
	out, _ := normalizeValue(emptyIfNilMap(kw)).(map[string]any)
	return out
}
