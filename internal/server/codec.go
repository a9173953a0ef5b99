package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/OpenUpSA/dexi/internal/common"
)

// request reads typed fields out of a Struct message. Missing fields read
// as zero values.
type request struct {
	fields map[string]*structpb.Value
}

func newRequest(m *structpb.Struct) request {
	return request{fields: m.GetFields()}
}

func (r request) str(key string) string {
	return strings.TrimSpace(r.fields[key].GetStringValue())
}

func (r request) boolean(key string) bool {
	return r.fields[key].GetBoolValue()
}

func (r request) int(key string) int {
	return int(r.fields[key].GetNumberValue())
}

func (r request) id(key string) (uuid.UUID, error) {
	s := r.str(key)
	if s == "" {
		return uuid.Nil, fmt.Errorf("%s is required: %w", key, common.ErrInvalidInput)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s must be a UUID: %w", key, common.ErrInvalidInput)
	}
	return id, nil
}

// optionalID returns nil when the field is absent or empty.
func (r request) optionalID(key string) (*uuid.UUID, error) {
	if r.str(key) == "" {
		return nil, nil
	}
	id, err := r.id(key)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (r request) ids(key string) ([]uuid.UUID, error) {
	vals := r.fields[key].GetListValue().GetValues()
	if len(vals) == 0 {
		return nil, fmt.Errorf("%s must list at least one id: %w", key, common.ErrInvalidInput)
	}
	out := make([]uuid.UUID, 0, len(vals))
	for i, v := range vals {
		id, err := uuid.Parse(strings.TrimSpace(v.GetStringValue()))
		if err != nil {
			return nil, fmt.Errorf("%s[%d] must be a UUID: %w", key, i, common.ErrInvalidInput)
		}
		out = append(out, id)
	}
	return out, nil
}

// bytes decodes a base64 field, the form JSON gives []byte.
func (r request) bytes(key string) ([]byte, error) {
	s := r.fields[key].GetStringValue()
	if s == "" {
		return nil, fmt.Errorf("%s is required: %w", key, common.ErrInvalidInput)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s must be base64: %w", key, common.ErrInvalidInput)
	}
	return b, nil
}

// encode converts v through its JSON form into a Struct. v must encode as
// a JSON object.
func encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return out, nil
}

// decode is the inverse of encode.
func decode(m *structpb.Struct, out any) error {
	b, err := protojson.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
