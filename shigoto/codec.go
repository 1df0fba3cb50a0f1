package shigoto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Codec converts messages to and from the bytes a channel moves.
// Implementations hold no per-message state and are safe for concurrent use.
type Codec interface {
	Name() string
	Serialize(m Message) ([]byte, error)
	Deserialize(data []byte) (Message, error)
}

// TaskCodec encodes tasks as
//
//	{"fn":{"module":M,"name":N},"args":[...],"kwargs":{...}}
//
// Periodic tasks add "interval" (seconds) and "continue" (predicate ref).
// Decoding resolves the function through the registry, which makes this the
// codec to use whenever producer and consumer run in different processes.
type TaskCodec struct {
	reg *Registry
}

// NewTaskCodec returns a TaskCodec resolving against reg (DefaultRegistry if nil).
func NewTaskCodec(reg *Registry) TaskCodec {
	return TaskCodec{reg: reg}
}

type taskWire struct {
	Fn       FuncRef  `json:"fn"`
	Args     []any    `json:"args"`
	Kwargs   Payload  `json:"kwargs"`
	Interval *float64 `json:"interval,omitempty"`
	Continue *FuncRef `json:"continue,omitempty"`
}

// Name implements Codec.
func (TaskCodec) Name() string { return "task" }

// Serialize implements Codec.
func (c TaskCodec) Serialize(m Message) ([]byte, error) {
	var w taskWire
	switch t := m.(type) {
	case *PeriodicTask:
		if err := checkInterval(t.Interval); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		secs := t.Interval.Seconds()
		cont := t.Continue
		w = taskWire{Fn: t.Fn, Args: t.Args, Kwargs: t.Kwargs, Interval: &secs, Continue: &cont}
	case *Task:
		w = taskWire{Fn: t.Fn, Args: t.Args, Kwargs: t.Kwargs}
	default:
		return nil, fmt.Errorf("%w: task codec cannot encode %T", ErrSerialization, m)
	}
	if w.Fn.Module == "" || w.Fn.Name == "" {
		return nil, fmt.Errorf("%w: task has no function reference", ErrSerialization)
	}
	w.Args = emptyIfNilSlice(w.Args)
	w.Kwargs = emptyIfNilMap(w.Kwargs)

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding task %s: %v", ErrSerialization, w.Fn, err)
	}
	return data, nil
}

// Deserialize implements Codec. Malformed bytes yield ErrDeserialization; a
// well-formed envelope naming an unregistered function yields ErrResolution.
func (c TaskCodec) Deserialize(data []byte) (Message, error) {
	var w taskWire
	if err := decodeJSON(data, &w); err != nil {
		return nil, fmt.Errorf("%w: decoding task: %v", ErrDeserialization, err)
	}
	if w.Fn.Module == "" || w.Fn.Name == "" {
		return nil, fmt.Errorf("%w: task envelope missing fn.module or fn.name", ErrDeserialization)
	}

	reg := c.registry()
	task := Task{Fn: w.Fn, Args: emptyIfNilSlice(w.Args), Kwargs: emptyIfNilMap(w.Kwargs)}

	if w.Interval != nil || w.Continue != nil {
		if w.Interval == nil || w.Continue == nil {
			return nil, fmt.Errorf("%w: periodic task needs both interval and continue", ErrDeserialization)
		}
		if math.IsNaN(*w.Interval) || math.IsInf(*w.Interval, 0) {
			return nil, fmt.Errorf("%w: invalid interval %v", ErrDeserialization, *w.Interval)
		}
		p := &PeriodicTask{
			Task:     task,
			Interval: time.Duration(math.Round(*w.Interval * float64(time.Second))),
			Continue: *w.Continue,
		}
		if err := checkInterval(p.Interval); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
		}
		if err := reg.bindPeriodic(p); err != nil {
			return nil, err
		}
		return p, nil
	}

	t := &task
	if err := reg.bind(t); err != nil {
		return nil, err
	}
	return t, nil
}

// decodeJSON unmarshals a single JSON value keeping numbers as json.Number,
// so integers beyond 2^53 survive the trip.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

func (c TaskCodec) registry() *Registry {
	if c.reg != nil {
		return c.reg
	}
	return DefaultRegistry
}

// JSONCodec encodes JSONMessage values as {"data":{...}}.
type JSONCodec struct{}

// Name implements Codec.
func (JSONCodec) Name() string { return "json" }

// Serialize implements Codec.
func (JSONCodec) Serialize(m Message) ([]byte, error) {
	jm, ok := m.(*JSONMessage)
	if !ok || jm == nil {
		return nil, fmt.Errorf("%w: json codec cannot encode %T", ErrSerialization, m)
	}
	data, err := json.Marshal(JSONMessage{Data: emptyIfNilMap(jm.Data)})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding json message: %v", ErrSerialization, err)
	}
	return data, nil
}

// Deserialize implements Codec.
func (JSONCodec) Deserialize(data []byte) (Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decoding json message: %v", ErrDeserialization, err)
	}
	body, ok := raw["data"]
	if !ok {
		return nil, fmt.Errorf("%w: json message missing data", ErrDeserialization)
	}
	var p Payload
	if !bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		if err := decodeJSON(body, &p); err != nil {
			return nil, fmt.Errorf("%w: json message data is not an object: %v", ErrDeserialization, err)
		}
	}
	return &JSONMessage{Data: emptyIfNilMap(p)}, nil
}

// ProtoCodec encodes JSONMessage payloads as a protobuf google.protobuf.Struct.
type ProtoCodec struct{}

// Name implements Codec.
func (ProtoCodec) Name() string { return "proto" }

// Serialize implements Codec.
func (ProtoCodec) Serialize(m Message) ([]byte, error) {
	jm, ok := m.(*JSONMessage)
	if !ok || jm == nil {
		return nil, fmt.Errorf("%w: proto codec cannot encode %T", ErrSerialization, m)
	}
	fields, _ := normalizeValue(map[string]any(emptyIfNilMap(jm.Data))).(map[string]any)
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: building struct: %v", ErrSerialization, err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding struct: %v", ErrSerialization, err)
	}
	return data, nil
}

// Deserialize implements Codec.
func (ProtoCodec) Deserialize(data []byte) (Message, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: decoding struct: %v", ErrDeserialization, err)
	}
	return &JSONMessage{Data: emptyIfNilMap(s.AsMap())}, nil
}

// CodecByName returns a codec for a configuration name: task, json, proto or opaque.
func CodecByName(name string, reg *Registry) (Codec, error) {
	switch name {
	case "task", "":
		return NewTaskCodec(reg), nil
	case "json":
		return JSONCodec{}, nil
	case "proto":
		return ProtoCodec{}, nil
	case "opaque":
		return NewOpaqueCodec(reg)
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
