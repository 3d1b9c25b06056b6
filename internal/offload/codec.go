package offload

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Codec turns request and response values into frame payloads. Client and
// server must use the same codec.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// CBORCodec is the default codec.
type CBORCodec struct{}

func (CBORCodec) Name() string                       { return "cbor" }
func (CBORCodec) Marshal(v any) ([]byte, error)      { return cbor.Marshal(v) }
func (CBORCodec) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }

// JSONCodec is convenient for debugging with generic tools.
type JSONCodec struct{}

func (JSONCodec) Name() string                       { return "json" }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// ProtoCodec encodes proto.Message values with the protobuf wire format.
// Other values travel inside a google.protobuf.Any whose type URL names the
// Go type and whose body is CBOR, so plain Go request types can cross a
// protobuf transport and a type mismatch is detected on decode.
type ProtoCodec struct{}

const protoTypePrefix = "type.drive.sync/"

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	body, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(&anypb.Any{TypeUrl: protoTypeURL(v), Value: body})
}

func (ProtoCodec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	var env anypb.Any
	if err := proto.Unmarshal(data, &env); err != nil {
		return err
	}
	if want := protoTypeURL(v); env.GetTypeUrl() != want {
		return fmt.Errorf("proto envelope carries %q, want %q", env.GetTypeUrl(), want)
	}
	return cbor.Unmarshal(env.GetValue(), v)
}

func protoTypeURL(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return protoTypePrefix + "nil"
	}
	return protoTypePrefix + t.String()
}

// CodecByName returns the codec registered under name. The empty name
// selects CBOR.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "cbor":
		return CBORCodec{}, nil
	case "json":
		return JSONCodec{}, nil
	case "proto", "protobuf":
		return ProtoCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

// decodeInto unmarshals data into out without leaving out half-populated
// when decoding fails.
func decodeInto(c Codec, data []byte, out any) error {
	if m, ok := out.(proto.Message); ok {
		tmp := m.ProtoReflect().New().Interface()
		if err := c.Unmarshal(data, tmp); err != nil {
			return err
		}
		proto.Reset(m)
		proto.Merge(m, tmp)
		return nil
	}
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("decode target must be a non-nil pointer, got %T", out)
	}
	tmp := reflect.New(rv.Type().Elem())
	if err := c.Unmarshal(data, tmp.Interface()); err != nil {
		return err
	}
	rv.Elem().Set(tmp.Elem())
	return nil
}
